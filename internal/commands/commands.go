// Package commands implements the chat commands users manage their
// alerts with.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"timerbot/internal/storage"
	"timerbot/internal/task/scheduler"
	"timerbot/internal/transport/telegram/router"
)

// Relay is the account API of the relay engine.
type Relay interface {
	Register(ctx context.Context, u storage.User, a storage.Account) (storage.Account, error)
	Revoke(ctx context.Context, userID, characterID int64) ([]storage.Account, error)
	SetDestination(ctx context.Context, userID, chatID int64, threadID int) error
	Accounts(ctx context.Context, userID int64) ([]storage.Account, error)
	CharacterName(ctx context.Context, characterID int64) string
	Info(ctx context.Context, userID int64) ([]string, error)
}

// Counter reports store totals for /stats.
type Counter interface {
	Counts(ctx context.Context) (storage.Counts, error)
}

// Schedules reports the periodic jobs for /stats.
type Schedules interface {
	Snapshot() scheduler.Snapshot
}

type Handlers struct {
	Relay     Relay
	Counter   Counter
	Schedules Schedules
	StartedAt time.Time
}

// Commands returns the command registry.
func (h *Handlers) Commands() []router.Command {
	cmds := []router.Command{
		{
			Name:        "callback",
			Description: "send alerts to this chat",
			Usage:       "/callback",
			Handle:      h.callback,
		},
		{
			Name:        "register",
			Description: "link a character (private chat only)",
			Usage:       "/register <character_id> <refresh_token>",
			Handle:      h.register,
		},
		{
			Name:        "characters",
			Description: "list your linked characters",
			Usage:       "/characters",
			Handle:      h.characters,
		},
		{
			Name:        "revoke",
			Description: "unlink one character, or everything",
			Usage:       "/revoke [character_id|name]",
			Handle:      h.revoke,
		},
		{
			Name:        "info",
			Description: "status of all your structures",
			Usage:       "/info",
			Timeout:     2 * time.Minute,
			Handle:      h.info,
		},
	}
	if h.Counter != nil {
		cmds = append(cmds, router.Command{
			Name:        "stats",
			Description: "bot statistics",
			Usage:       "/stats",
			Access:      router.AccessOwnerOnly,
			Handle:      h.stats,
		})
	}
	return cmds
}

func (h *Handlers) callback(ctx context.Context, req *router.Request) error {
	if err := h.Relay.SetDestination(ctx, req.FromID, req.Chat.ChatID, req.Chat.ThreadID); err != nil {
		_ = req.Reply(ctx, "Could not save this chat, please try again later.")
		return err
	}
	return req.Reply(ctx, "Set this chat as destination for notifications.")
}

func (h *Handlers) register(ctx context.Context, req *router.Request) error {
	if !req.IsPrivate {
		return req.Reply(ctx, "Send /register in a private chat with the bot, refresh tokens are secrets.")
	}
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: /register <character_id> <refresh_token>")
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || id <= 0 {
		return req.Reply(ctx, "The character id must be a number.")
	}

	u := storage.User{ID: req.FromID, ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	a, err := h.Relay.Register(ctx, u, storage.Account{CharacterID: id, RefreshToken: req.Args[1]})
	if err != nil {
		_ = req.Reply(ctx, "Could not link the character, check the token and try again.")
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Linked %s (corporation %d).", h.Relay.CharacterName(ctx, a.CharacterID), a.CorporationID))
}

func (h *Handlers) characters(ctx context.Context, req *router.Request) error {
	accounts, err := h.Relay.Accounts(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return req.Reply(ctx, "You have no authorized characters!")
	}
	var b strings.Builder
	b.WriteString("You have the following character(s) authenticated:")
	for _, a := range accounts {
		fmt.Fprintf(&b, "\n- %s (%d)", h.Relay.CharacterName(ctx, a.CharacterID), a.CharacterID)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) revoke(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		if _, err := h.Relay.Revoke(ctx, req.FromID, 0); err != nil {
			return err
		}
		return req.Reply(ctx, "Revoked all characters API access!")
	}

	id, name, err := h.resolveCharacter(ctx, req.FromID, strings.Join(req.Args, " "))
	if err != nil {
		return err
	}
	if id != 0 {
		_, err = h.Relay.Revoke(ctx, req.FromID, id)
	}
	if id == 0 || errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, "Could not find character!")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Revoked %s's API access!", name))
}

// resolveCharacter matches arg against the user's characters by id or name.
func (h *Handlers) resolveCharacter(ctx context.Context, userID int64, arg string) (int64, string, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, h.Relay.CharacterName(ctx, id), nil
	}
	accounts, err := h.Relay.Accounts(ctx, userID)
	if err != nil {
		return 0, "", err
	}
	for _, a := range accounts {
		name := h.Relay.CharacterName(ctx, a.CharacterID)
		if strings.EqualFold(name, arg) {
			return a.CharacterID, name, nil
		}
	}
	return 0, arg, nil
}

func (h *Handlers) info(ctx context.Context, req *router.Request) error {
	blocks, err := h.Relay.Info(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, "Could not fetch structure info, please try again later.")
		return err
	}
	if len(blocks) == 0 {
		accounts, aerr := h.Relay.Accounts(ctx, req.FromID)
		if aerr == nil && len(accounts) == 0 {
			return req.Reply(ctx, "You have no authorized characters!")
		}
		return req.Reply(ctx, "No structures found.")
	}
	return req.Reply(ctx, strings.Join(blocks, "\n"))
}

func (h *Handlers) stats(ctx context.Context, req *router.Request) error {
	c, err := h.Counter.Counts(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Users: %d\nCharacters: %d\nCorporations: %d\nStructures: %d\nEvents: %d",
		c.Users, c.Accounts, c.Corporations, c.Structures, c.Events)
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nUptime: %s", time.Since(h.StartedAt).Truncate(time.Second))
	}
	if h.Schedules != nil {
		snap := h.Schedules.Snapshot()
		b.WriteString("\n\nJobs:")
		for _, s := range snap.Schedules {
			fmt.Fprintf(&b, "\n- %s: runs=%d failures=%d", s.Name, s.Runs, s.Failures)
			if s.LastError != "" {
				fmt.Fprintf(&b, " last_error=%q", s.LastError)
			}
		}
	}
	return req.Reply(ctx, b.String())
}
