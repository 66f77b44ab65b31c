package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/session"
)

var notifyPattern = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_]*|"[^"]*")\s*(?:,\s*'((?:[^'\\]|\\.)*)')?$`)

func (d *Dispatcher) dispatchListen(sess *session.Session, rest string) (Result, error) {
	channel := unquoteIdentifier(strings.TrimSpace(rest))
	if channel == "" {
		return Result{}, errMissingChannelName()
	}

	if err := d.hub.AddListener(sess.ConnectionID, channel, sess); err != nil {
		return Result{}, err
	}

	sess.AddListeningChannel(channel)
	return Result{Command: "LISTEN"}, nil
}

func (d *Dispatcher) dispatchUnlisten(sess *session.Session, rest string) (Result, error) {
	target := strings.TrimSpace(rest)

	if target == "*" {
		for _, ch := range sess.ListeningChannels() {
			_ = d.hub.RemoveListener(sess.ConnectionID, ch)
		}
		sess.ClearAllListeningChannels()
		return Result{Command: "UNLISTEN"}, nil
	}

	channel := unquoteIdentifier(target)
	if channel == "" {
		return Result{}, errMissingChannelName()
	}

	if err := d.hub.RemoveListener(sess.ConnectionID, channel); err != nil {
		return Result{}, err
	}
	sess.RemoveListeningChannel(channel)
	return Result{Command: "UNLISTEN"}, nil
}

func (d *Dispatcher) dispatchNotify(sess *session.Session, rest string) (Result, error) {
	match := notifyPattern.FindStringSubmatch(strings.TrimSpace(rest))
	if match == nil {
		return Result{}, psqlerr.WithSeverity(psqlerr.WithCode(
			fmt.Errorf("syntax error in NOTIFY statement"), codes.Syntax), psqlerr.LevelError)
	}

	channel := unquoteIdentifier(match[1])
	payload := strings.ReplaceAll(match[2], `\'`, "'")

	if _, err := d.hub.SendNotification(channel, payload, sess.BackendPid); err != nil {
		return Result{}, err
	}

	return Result{Command: "NOTIFY"}, nil
}

func unquoteIdentifier(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func errMissingChannelName() error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("syntax error: channel name required"), codes.Syntax), psqlerr.LevelError)
}
