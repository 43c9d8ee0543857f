// Package console reads line commands, drives the engine and writes one JSON
// result line per command.
//
//	place <client_id> <BUY|SELL> <LIMIT|MARKET> <qty> [price] [tif]
//	cancel <client_id>
//	status <client_id>
//	balances
//	price
//	snapshot
//	help
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"simtrader/internal/engine"
	"simtrader/internal/order"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

// Engine is the part of the engine the console drives.
type Engine interface {
	PlaceOrder(ctx context.Context, req order.Request, tsNs int64) engine.OrderDecision
	CancelOrder(ctx context.Context, clientOrderID string, tsNs int64) engine.CancelDecision
	GetOrderState(ctx context.Context, clientOrderID string) (order.State, bool)
	SnapshotBalances() []engine.Balance
	Price() float64
}

// SnapshotFunc takes a snapshot now and returns its sequence number.
type SnapshotFunc func() (uint64, error)

// Result is one output line.
type Result struct {
	Cmd    string `json:"cmd"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	TsNs   int64  `json:"ts_ns"`
}

type Console struct {
	engine   Engine
	snapshot SnapshotFunc
	symbol   string
	logger   *zap.Logger
	clock    func() int64

	outMu sync.Mutex
	enc   *json.Encoder
}

func New(eng Engine, snapshot SnapshotFunc, symbol string, out io.Writer, logger *zap.Logger) *Console {
	return &Console{
		engine:   eng,
		snapshot: snapshot,
		symbol:   symbol,
		logger:   logger,
		clock:    func() int64 { return time.Now().UnixNano() },
		enc:      json.NewEncoder(out),
	}
}

// Run executes commands from in until EOF or ctx is cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			c.write(c.Execute(ctx, line))
		}
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) Result {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return c.fail("", errUsage)
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	var (
		res any
		err error
	)
	switch cmd {
	case "place":
		res, err = c.place(ctx, args)
	case "cancel":
		if len(args) != 1 {
			err = errUsage
			break
		}
		res = c.engine.CancelOrder(ctx, args[0], c.clock())
	case "status":
		if len(args) != 1 {
			err = errUsage
			break
		}
		st, ok := c.engine.GetOrderState(ctx, args[0])
		if !ok {
			err = fmt.Errorf("%s: %s", order.ReasonUnknownOrder, args[0])
			break
		}
		res = st
	case "balances":
		res = c.engine.SnapshotBalances()
	case "price":
		res = map[string]any{"symbol": c.symbol, "price": c.engine.Price()}
	case "snapshot":
		if c.snapshot == nil {
			err = errors.New("snapshots disabled")
			break
		}
		var seq uint64
		if seq, err = c.snapshot(); err == nil {
			res = map[string]uint64{"sequence_num": seq}
		}
	case "help":
		res = []string{
			"place <client_id> <BUY|SELL> <LIMIT|MARKET> <qty> [price] [tif]",
			"cancel <client_id>",
			"status <client_id>",
			"balances",
			"price",
			"snapshot",
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		return c.fail(cmd, err)
	}
	return Result{Cmd: cmd, OK: true, Result: res, TsNs: c.clock()}
}

func (c *Console) place(ctx context.Context, args []string) (engine.OrderDecision, error) {
	req, err := ParsePlace(c.symbol, args)
	if err != nil {
		return engine.OrderDecision{}, err
	}
	d := c.engine.PlaceOrder(ctx, req, c.clock())
	c.logger.Debug("place",
		zap.String("client_order_id", req.ClientOrderID),
		zap.Bool("accepted", d.Accepted),
		zap.String("reason", d.Reason))
	return d, nil
}

// ParsePlace builds an order request from place arguments.
func ParsePlace(symbol string, args []string) (order.Request, error) {
	if len(args) < 4 || len(args) > 6 {
		return order.Request{}, errUsage
	}
	side, err := order.ParseSide(args[1])
	if err != nil {
		return order.Request{}, err
	}
	typ, err := order.ParseType(args[2])
	if err != nil {
		return order.Request{}, err
	}
	qty, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return order.Request{}, fmt.Errorf("qty: %w", err)
	}

	req := order.Request{
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		TIF:           order.GTC,
		Qty:           qty,
		ClientOrderID: args[0],
	}
	if len(args) >= 5 {
		p, err := strconv.ParseFloat(args[4], 64)
		if err != nil {
			return order.Request{}, fmt.Errorf("price: %w", err)
		}
		req.Price = &p
	}
	if len(args) == 6 {
		if req.TIF, err = order.ParseTIF(args[5]); err != nil {
			return order.Request{}, err
		}
	}
	return req, nil
}

func (c *Console) fail(cmd string, err error) Result {
	msg := err.Error()
	if errors.Is(err, errUsage) {
		msg = "invalid arguments, try help"
	}
	return Result{Cmd: cmd, OK: false, Error: msg, TsNs: c.clock()}
}

func (c *Console) write(r Result) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if err := c.enc.Encode(r); err != nil {
		c.logger.Warn("failed to write console result", zap.Error(err))
	}
}
