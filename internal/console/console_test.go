package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"simtrader/internal/engine"
	"simtrader/internal/order"
	"simtrader/internal/orderstore"
	"simtrader/internal/risk"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

func newConsole(t *testing.T, out *bytes.Buffer) (*Console, *engine.EngineState) {
	t.Helper()
	ledger := engine.NewLedger("USDT", "BTC", 100000, 0)
	ledger.SetPrice(50000)
	state := engine.NewEngineState(ledger, risk.NewManager(risk.Limits{}, ledger), orderstore.NewMemoryStore(),
		engine.Options{}, zap.NewNop())
	var seq uint64
	snap := func() (uint64, error) {
		seq++
		return seq, nil
	}
	return New(state, snap, "BTCUSDT", out, zap.NewNop()), state
}

// go test -v --run TestParsePlace
func TestParsePlace(t *testing.T) {
	req, err := ParsePlace("BTCUSDT", []string{"c1", "buy", "limit", "0.5", "49000", "ioc"})
	if err != nil {
		t.Fatal(err)
	}
	if req.ClientOrderID != "c1" || req.Side != order.Buy || req.Type != order.Limit ||
		req.Qty != 0.5 || req.Price == nil || *req.Price != 49000 || req.TIF != order.IOC || req.Symbol != "BTCUSDT" {
		t.Errorf("request = %+v", req)
	}

	req, err = ParsePlace("BTCUSDT", []string{"m1", "SELL", "MARKET", "1"})
	if err != nil || req.Price != nil || req.TIF != order.GTC {
		t.Errorf("market request = %+v, %v", req, err)
	}

	bad := [][]string{
		{"c1", "buy", "limit"},
		{"c1", "hold", "limit", "1"},
		{"c1", "buy", "stop", "1"},
		{"c1", "buy", "limit", "x"},
		{"c1", "buy", "limit", "1", "p"},
		{"c1", "buy", "limit", "1", "1", "day"},
	}
	for _, args := range bad {
		if _, err := ParsePlace("BTCUSDT", args); err == nil {
			t.Errorf("ParsePlace(%v) accepted", args)
		}
	}
}

// go test -v --run TestExecute
func TestExecute(t *testing.T) {
	c, state := newConsole(t, &bytes.Buffer{})
	ctx := context.Background()

	r := c.Execute(ctx, "place b1 buy limit 1 50000")
	d, ok := r.Result.(engine.OrderDecision)
	if !r.OK || !ok || !d.Accepted || d.VenueOrderID != "sim-1" {
		t.Fatalf("place = %+v", r)
	}

	r = c.Execute(ctx, "place b1 buy limit 1 50000")
	if d := r.Result.(engine.OrderDecision); d.Accepted || d.Reason != order.ReasonDuplicateID {
		t.Errorf("duplicate place = %+v", r)
	}

	r = c.Execute(ctx, "status b1")
	if st, ok := r.Result.(order.State); !r.OK || !ok || st.Status != order.StatusAccepted {
		t.Errorf("status = %+v", r)
	}

	r = c.Execute(ctx, "cancel b1")
	if d := r.Result.(engine.CancelDecision); !d.Found {
		t.Errorf("cancel = %+v", r)
	}
	if rows := state.SnapshotBalances(); rows[0].Free != 100000 || rows[0].Locked != 0 {
		t.Errorf("reservation not released: %+v", rows)
	}

	r = c.Execute(ctx, "cancel nope")
	if d := r.Result.(engine.CancelDecision); d.Found || d.Reason != order.ReasonUnknownOrder {
		t.Errorf("unknown cancel = %+v", r)
	}

	if r = c.Execute(ctx, "status nope"); r.OK {
		t.Errorf("status of unknown order succeeded: %+v", r)
	}
	if r = c.Execute(ctx, "snapshot"); !r.OK {
		t.Errorf("snapshot = %+v", r)
	}
	if r = c.Execute(ctx, "frobnicate"); r.OK || !strings.Contains(r.Error, "unknown command") {
		t.Errorf("unknown command = %+v", r)
	}
	if r = c.Execute(ctx, "cancel"); r.OK || r.Error == "" {
		t.Errorf("cancel without id = %+v", r)
	}
}

// go test -v --run TestSnapshotDisabled
func TestSnapshotDisabled(t *testing.T) {
	c, _ := newConsole(t, &bytes.Buffer{})
	c.snapshot = nil
	if r := c.Execute(context.Background(), "snapshot"); r.OK {
		t.Error("snapshot succeeded without a snapshot func")
	}

	c.snapshot = func() (uint64, error) { return 0, errors.New("disk full") }
	if r := c.Execute(context.Background(), "snapshot"); r.OK || r.Error != "disk full" {
		t.Errorf("snapshot error = %+v", r)
	}
}

// go test -v --run TestRunWritesJSONLines
func TestRunWritesJSONLines(t *testing.T) {
	var out bytes.Buffer
	c, _ := newConsole(t, &out)

	in := strings.NewReader("balances\n\nprice\nplace s1 sell limit 1 50000\n")
	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}

	var first struct {
		Cmd    string           `json:"cmd"`
		OK     bool             `json:"ok"`
		Result []engine.Balance `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Cmd != "balances" || !first.OK || len(first.Result) != 2 || first.Result[0].Asset != "USDT" {
		t.Errorf("balances line = %s", lines[0])
	}

	var third struct {
		OK     bool `json:"ok"`
		Result struct {
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &third); err != nil {
		t.Fatal(err)
	}
	if third.Result.Accepted || third.Result.Reason != order.ReasonInsufficientFunds {
		t.Errorf("sell without base = %s", lines[2])
	}
}

// go test -v --run TestRunStopsOnCancel
func TestRunStopsOnCancel(t *testing.T) {
	c, _ := newConsole(t, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never yields
	r, release := blockingReader()
	defer release()
	if err := c.Run(ctx, r); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}

func blockingReader() (*blocking, func()) {
	b := &blocking{ch: make(chan struct{})}
	return b, func() { close(b.ch) }
}

type blocking struct{ ch chan struct{} }

func (b *blocking) Read(p []byte) (int, error) {
	<-b.ch
	return 0, errors.New("closed")
}
