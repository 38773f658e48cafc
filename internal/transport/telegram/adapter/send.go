package adapter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

// messageLimit stays under Telegram's 4096 character cap.
const messageLimit = 4000

// SendText sends text as one message, or several when it is too long. The
// returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunkText(text, messageLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, sendError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// chunkText cuts text into pieces of at most limit runes. Pieces break
// between lines; a single line longer than limit is cut hard.
func chunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if s := strings.Trim(string(cur), "\n"); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		if len(cur) > 0 && len(cur)+1+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, r...)
	}
	flush()
	return chunks
}

// goneErrs mean the chat will not accept messages from the bot again
// without user action.
var goneErrs = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

func sendError(err error) error {
	if slices.ContainsFunc(goneErrs, func(g error) bool { return errors.Is(err, g) }) {
		return fmt.Errorf("%w: %v", kit.ErrUnreachable, err)
	}
	return err
}

// UpdateMenuCommands publishes the command menu (setMyCommands), skipping
// the call when the list did not change since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.lastMenu != nil && slices.Equal(a.lastMenu, list) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.lastMenu = list
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
