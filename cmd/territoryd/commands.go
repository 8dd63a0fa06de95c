package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/geoclaim/engine/internal/cache"
	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/logging"
	"github.com/geoclaim/engine/internal/progression"
	"github.com/geoclaim/engine/internal/territory"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/google/uuid"
)

const usage = "commands: claim <player> <name> <lat,lon> | attack <player> <name> <id> <damage> | " +
	"repair <player> <id> <amount> | upgrade <player> <id> | withdraw <player> <id> | get <id> | " +
	"near <lat,lon> <radius> | owned <player> | stats <player> | watch <lat,lon> <radius> | view | quit"

var errUsage = errors.New(usage)

// playerCommands take the acting player as their first argument.
var playerCommands = map[string]bool{
	"claim": true, "attack": true, "repair": true, "upgrade": true,
	"withdraw": true, "owned": true, "stats": true,
}

// response is written as one JSON line per command.
type response struct {
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

type commander struct {
	svc      *territory.Service
	view     *cache.TerritoryView
	progress *progression.Tracker
	out      *json.Encoder
	log      *slog.Logger
}

func newCommander(svc *territory.Service, view *cache.TerritoryView, progress *progression.Tracker, out io.Writer, log *slog.Logger) *commander {
	return &commander{svc: svc, view: view, progress: progress, out: json.NewEncoder(out), log: log}
}

// serve executes commands from in until quit, EOF or ctx ends.
func (c *commander) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether it was quit.
func (c *commander) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	if cmd == "quit" || cmd == "exit" {
		return true
	}

	attrs := []slog.Attr{slog.String("command", cmd), slog.String("request", uuid.NewString())}
	if len(args) > 0 && playerCommands[cmd] {
		attrs = append(attrs, slog.String("player", args[0]))
	}
	ctx = logging.WithRequest(ctx, attrs...)

	result, err := c.dispatch(ctx, cmd, args)
	if err != nil {
		c.log.DebugContext(ctx, "command failed", "error", err)
	}
	c.write(result, err)
	return false
}

func (c *commander) dispatch(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "help":
		return usage, nil

	case "claim":
		if len(args) != 3 {
			return nil, errUsage
		}
		lat, lon, err := geo.ParseLatLon(args[2])
		if err != nil {
			return nil, err
		}
		return c.svc.Claim(ctx, args[0], args[1], lat, lon)

	case "attack":
		if len(args) != 4 {
			return nil, errUsage
		}
		damage, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, fmt.Errorf("damage: %w", err)
		}
		res, err := c.svc.Attack(ctx, args[0], args[1], args[2], damage)
		c.refreshOnFailure(ctx, args[2], err)
		return res, err

	case "repair":
		if len(args) != 3 {
			return nil, errUsage
		}
		amount, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		res, err := c.svc.Repair(ctx, args[0], args[1], amount)
		c.refreshOnFailure(ctx, args[1], err)
		return res, err

	case "upgrade":
		if len(args) != 2 {
			return nil, errUsage
		}
		t, err := c.svc.Upgrade(ctx, args[0], args[1])
		c.refreshOnFailure(ctx, args[1], err)
		return t, err

	case "withdraw":
		if len(args) != 2 {
			return nil, errUsage
		}
		t, err := c.svc.Withdraw(ctx, args[0], args[1])
		c.refreshOnFailure(ctx, args[1], err)
		return t, err

	case "get":
		if len(args) != 1 {
			return nil, errUsage
		}
		return c.svc.Get(ctx, args[0])

	case "near":
		if len(args) != 2 {
			return nil, errUsage
		}
		lat, lon, err := geo.ParseLatLon(args[0])
		if err != nil {
			return nil, err
		}
		radius, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("radius: %w", err)
		}
		return c.svc.Nearby(ctx, lat, lon, radius)

	case "owned":
		if len(args) != 1 {
			return nil, errUsage
		}
		return c.svc.OwnedCount(ctx, args[0])

	case "stats":
		if len(args) != 1 {
			return nil, errUsage
		}
		return map[string]any{
			"owned":        c.progress.Owned(args[0]),
			"achievements": c.progress.Achievements(args[0]),
		}, nil

	case "watch":
		if len(args) != 2 {
			return nil, errUsage
		}
		lat, lon, err := geo.ParseLatLon(args[0])
		if err != nil {
			return nil, err
		}
		radius, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("radius: %w", err)
		}
		c.view.Move(core.LatLon{Lat: lat, Lon: lon}, radius)
		if err := c.view.Refresh(ctx); err != nil {
			return nil, err
		}
		return c.view.All(), nil

	case "view":
		return c.view.All(), nil

	default:
		return nil, fmt.Errorf("unknown command %q; %s", cmd, usage)
	}
}

// refreshOnFailure re-reads the territory into the view after a write that
// may have raced with another player.
func (c *commander) refreshOnFailure(ctx context.Context, id string, err error) {
	switch territory.KindOf(err) {
	case territory.KindContention, territory.KindUnavailable, territory.KindNotFound:
		if staleErr := c.view.HandleStale(ctx, id); staleErr != nil {
			c.log.Debug("view refresh failed", "territory", id, "error", staleErr)
		}
	}
}

func (c *commander) write(result any, err error) {
	resp := response{OK: err == nil, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
		var svcErr *territory.Error
		if errors.As(err, &svcErr) {
			resp.Kind = svcErr.Kind.String()
			resp.Error = svcErr.Reason
		}
	}
	if encErr := c.out.Encode(resp); encErr != nil {
		c.log.Error("failed to write response", "error", encErr)
	}
}
