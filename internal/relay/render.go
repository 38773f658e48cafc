package relay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var stateNames = map[string]string{
	"anchor_vulnerable":    "Anchoring timer ticking",
	"anchoring":            "Waiting for anchoring timer",
	"armor_reinforce":      "Reinforced for armor timer",
	"armor_vulnerable":     "Armor timer ticking",
	"deploy_vulnerable":    "Deployment timer ticking",
	"fitting_invulnerable": "Fitting Invulnerable",
	"hull_reinforce":       "Reinforced for hull timer",
	"hull_vulnerable":      "Hull timer ticking",
	"online_deprecated":    "Online Deprecated",
	"onlining_vulnerable":  "Waiting for quantum core",
	"shield_vulnerable":    "Full Power",
	"unanchored":           "Unanchored",
	"unknown":              "Unknown",
}

// StateName returns the human readable name of an upstream structure state.
func StateName(state string) string {
	if n, ok := stateNames[state]; ok {
		return n
	}
	return "Unknown"
}

func hasStateTimer(state string) bool {
	switch state {
	case "hull_reinforce", "armor_reinforce", "anchoring":
		return true
	}
	return false
}

// StructureInfo renders the status block used by every structure message
// and by /info.
func StructureInfo(o Observation, now time.Time) string {
	var b strings.Builder
	b.WriteString(structureName(o))
	b.WriteString("\n")
	fmt.Fprintf(&b, "State: %s\n", StateName(o.State))

	if hasStateTimer(o.State) {
		if o.StateTimerEnd != nil {
			fmt.Fprintf(&b, "Timer: %s\n", formatWhen(*o.StateTimerEnd, now))
		} else {
			b.WriteString("Timer: Unknown, please check manually!\n")
		}
	}

	switch {
	case o.FuelExpires != nil:
		fmt.Fprintf(&b, "Fuel: %s\n", formatWhen(*o.FuelExpires, now))
	case isAnchoring(o.State):
		b.WriteString("Fuel: Not fueled yet (anchoring)\n")
	default:
		b.WriteString("Fuel: Out of fuel!\n")
	}
	return b.String()
}

func formatWhen(t, now time.Time) string {
	return fmt.Sprintf("%s ET (%s)", t.UTC().Format("2006-01-02 15:04"), humanize.RelTime(t, now, "ago", "from now"))
}

func structureName(o Observation) string {
	if o.Name != "" {
		return o.Name
	}
	return strconv.FormatInt(o.StructureID, 10)
}

// TransitionText renders the message for one structure transition.
func TransitionText(t Transition, o Observation, now time.Time) string {
	name := structureName(o)
	info := StructureInfo(o, now)
	switch t.Kind {
	case KindNewlyFound:
		return fmt.Sprintf("Structure %s newly found in state:\n%s", name, info)
	case KindStateChanged:
		return fmt.Sprintf("Structure %s changed state:\n%s", name, info)
	case KindInitiallyFueled:
		return fmt.Sprintf("Structure %s got initially fueled with:\n%s", name, info)
	case KindRefueled:
		return fmt.Sprintf("Structure %s has been refueled:\n%s", name, info)
	case KindOutOfFuel:
		return fmt.Sprintf("Final warning, structure %s ran out of fuel:\n%s", name, info)
	case KindLastDay:
		return fmt.Sprintf("Final warning, structure %s will run out of fuel within a day:\n%s", name, info)
	case KindFuelWarning:
		return fmt.Sprintf("%d-day warning, structure %s is running low on fuel:\n%s", t.Level, name, info)
	}
	return ""
}

// Warning texts.

func authWarningText(name string, characterID int64) string {
	if name == "" {
		return "WARNING\n" +
			"Your characters do not have permission to fetch data from ESI.\n" +
			"- If you do not intend to use this bot anymore, remove your characters with /revoke.\n" +
			"- Otherwise authorize them again."
	}
	return fmt.Sprintf("WARNING\n"+
		"The following character does not have permission to fetch data from ESI: %s\n"+
		"- If you do not intend to use this character anymore, remove it with /revoke %d.\n"+
		"- Otherwise authorize it again.", name, characterID)
}

func roleWarningText(name string, characterID int64) string {
	return fmt.Sprintf("WARNING\n"+
		"The following character does not have permission to see structure info: %s\n"+
		"- If you do not intend to use this character, remove it with /revoke %d.\n"+
		"- Otherwise fix your corporation roles in-game. Go to Corporation -> Administration -> "+
		"Role Management -> Station Services, add the Station Manager role, then check it with /info.", name, characterID)
}

func corporationWarningText(name string, characterID int64) string {
	return fmt.Sprintf("WARNING\n"+
		"The following character has changed corporation and can no longer see structure info of the old corporation: %s\n"+
		"- If you do not intend to use this character, remove it with /revoke %d.\n"+
		"- If you want to use this character with the new corporation, authorize it again.\n"+
		"- If you want to use this character with the old corporation, re-join the old corporation in-game.", name, characterID)
}

func otherWarningText(name string, characterID int64, errText string) string {
	return fmt.Sprintf("WARNING\n"+
		"The following character does not have permission to see structure info: %s\n"+
		"This is due to the following error: %s\n"+
		"There are no specific instructions to fix this error, so you have to try for yourself.\n"+
		"- In case you no longer need structure alerts, remove the character with /revoke %d.\n"+
		"- Otherwise check your permissions with /info.", name, errText, characterID)
}

func corporationChangedText(oldCorp, newCorp int64) string {
	return fmt.Sprintf("Your character's corporation ID %d changed to %d, which is now updated. Please retry the last command.", oldCorp, newCorp)
}

const unlinkedReminderText = "WARNING\n" +
	"Your Telegram account is linked to timerbot, but you have not authorized any characters.\n" +
	"This means you will not get any alerts about reinforced structures or fuel.\n" +
	"- If you do not intend to use this bot anymore, send /revoke to de-register.\n" +
	"- Otherwise authorize a character."
