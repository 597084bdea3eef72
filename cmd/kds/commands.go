package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errMissingArg     = errors.New("missing argument")
)

const usage = "commands: advance <id> | cancel <id> | status <id> <status code, e.g. out-for-delivery> | refresh | switch <restaurant> | quit"

type commandKind int

const (
	cmdNone commandKind = iota
	cmdAdvance
	cmdCancel
	cmdStatus
	cmdRefresh
	cmdSwitch
	cmdHelp
	cmdQuit
)

type command struct {
	kind       commandKind
	id         order.ID
	status     orderstatus.Status
	restaurant string
}

// parseCommand reads one line typed at the board. A leading '#' on ids is
// accepted so ids can be copied straight from the screen.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{kind: cmdNone}, nil
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "advance", "a", "next":
		id, err := idArg(name, args)
		return command{kind: cmdAdvance, id: id}, err
	case "cancel", "c":
		id, err := idArg(name, args)
		return command{kind: cmdCancel, id: id}, err
	case "status", "s":
		if len(args) < 2 {
			return command{}, fmt.Errorf("%w: %s <id> <status>", errMissingArg, name)
		}
		status, err := orderstatus.Parse(args[1])
		if err != nil {
			return command{}, err
		}
		id, _ := idArg(name, args[:1])
		return command{kind: cmdStatus, id: id, status: status}, nil
	case "refresh", "r":
		return command{kind: cmdRefresh}, nil
	case "switch":
		if len(args) == 0 {
			return command{}, fmt.Errorf("%w: switch <restaurant>", errMissingArg)
		}
		return command{kind: cmdSwitch, restaurant: args[0]}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "q", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("%w: %q", errUnknownCommand, name)
	}
}

func idArg(name string, args []string) (order.ID, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: %s <id>", errMissingArg, name)
	}
	id := strings.TrimPrefix(args[0], "#")
	if id == "" {
		return "", fmt.Errorf("%w: %s <id>", errMissingArg, name)
	}
	return order.ID(id), nil
}

// actions is the part of a session the console drives.
type actions interface {
	Advance(ctx context.Context, id order.ID) (order.Order, error)
	Cancel(ctx context.Context, id order.ID) (order.Order, error)
	SetStatus(ctx context.Context, id order.ID, status orderstatus.Status) (order.Order, error)
	Refresh(ctx context.Context) error
	SwitchRestaurant(ctx context.Context, restaurantID string) error
}

type console struct {
	session actions
	out     io.Writer
}

// execute runs cmd and reports whether the console should stop.
// Action errors are printed, never fatal.
func (c *console) execute(ctx context.Context, cmd command) bool {
	var (
		updated order.Order
		err     error
	)

	switch cmd.kind {
	case cmdNone:
		return false
	case cmdQuit:
		return true
	case cmdHelp:
		fmt.Fprintln(c.out, usage)
		return false
	case cmdAdvance:
		updated, err = c.session.Advance(ctx, cmd.id)
	case cmdCancel:
		updated, err = c.session.Cancel(ctx, cmd.id)
	case cmdStatus:
		updated, err = c.session.SetStatus(ctx, cmd.id, cmd.status)
	case cmdRefresh:
		err = c.session.Refresh(ctx)
	case cmdSwitch:
		err = c.session.SwitchRestaurant(ctx, cmd.restaurant)
	}

	switch {
	case err != nil:
		fmt.Fprintf(c.out, "error: %v\n", err)
	case updated.ID != "":
		fmt.Fprintf(c.out, "order #%s is now %s\n", updated.ID, updated.Status.Label())
	}
	return false
}
