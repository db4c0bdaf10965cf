package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"tagtime/internal/beeminder"
	"tagtime/internal/notify"
)

func (e *env) beeminderClient() *beeminder.Client {
	bc := e.cfg.Beeminder
	c := beeminder.NewClient(bc.BaseURL, bc.AuthToken, e.logger.Logger)
	if bc.RetryAttempts > 0 {
		c.Attempts = bc.RetryAttempts
	}
	if d := e.cfg.RetryDelay(); d > 0 {
		c.Delay = d
	}
	c.SetTimeout(time.Duration(bc.TimeoutSec) * time.Second)
	return c
}

func (e *env) submit(cmd beeminder.Command, origin, user, goal, datapoints string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	body, err := e.beeminderClient().Submit(ctx, cmd, origin, user, goal, datapoints)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		fmt.Fprintln(e.stdout, strings.TrimSpace(string(body)))
	}
	return nil
}

func cmdSubmit(e *env, args []string) error {
	fs := e.flagSet("submit")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 4 {
		return usageErrorf("Usage: tagtime submit COMMAND ORIGIN USER GOAL < datapoints\n  (COMMAND is one of create_all, tagtime_update, query)")
	}

	cmd, err := beeminder.ParseCommand(fs.Arg(0))
	if err != nil {
		return err
	}

	data, err := io.ReadAll(e.stdin)
	if err != nil {
		return fmt.Errorf("read datapoints: %w", err)
	}
	return e.submit(cmd, fs.Arg(1), fs.Arg(2), fs.Arg(3), string(data))
}

func cmdTally(e *env, args []string) error {
	fs := e.flagSet("tally")
	tag := fs.String("tag", "", "tag to count")
	goal := fs.String("submit", "", "send the datapoints to this goal with tagtime_update")
	tz := fs.String("tz", "Local", "time zone that defines day boundaries")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *tag == "" || fs.NArg() != 1 {
		return usageErrorf("Usage: tagtime tally -tag T [-submit GOAL] [-tz zone] <log>")
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		return usageErrorf("invalid time zone %q: %v", *tz, err)
	}

	log, err := e.readLog(fs.Arg(0))
	if err != nil {
		return err
	}

	points := beeminder.Tally(log, *tag, e.cfg.Schedule.Gap(), loc)
	text := beeminder.FormatDatapoints(points)

	if *goal == "" {
		fmt.Fprint(e.stdout, text)
		return nil
	}
	if e.cfg.Beeminder.User == "" {
		return fmt.Errorf("beeminder.user is not configured")
	}
	return e.submit(beeminder.CommandTagtimeUpdate, e.cfg.Beeminder.Origin, e.cfg.Beeminder.User, *goal, text)
}

func cmdNotify(e *env, args []string) error {
	fs := e.flagSet("notify")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return usageErrorf("Usage: tagtime notify < text")
	}

	data, err := io.ReadAll(e.stdin)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	var sender notify.Sender
	switch e.cfg.Notify.Backend {
	case "dbus":
		ds, err := notify.NewDBusSender("tagtime")
		if err != nil {
			return err
		}
		defer ds.Close()
		sender = ds
	default:
		sender = &notify.WriterSender{W: e.stdout}
	}

	relay := &notify.Relay{
		Recipients: e.cfg.Notify.Recipients,
		Pause:      e.cfg.NotifyPause(),
		Sender:     sender,
		Logger:     e.logger.WithComponent("notify").Logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return relay.Send(ctx, strings.TrimRight(string(data), "\n"))
}
