package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/state"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier y pinta el estado local en la terminal.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	table bool
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table, now: time.Now}
}

// Warn imprime un aviso de una acción optimista no confirmada.
func (c *Console) Warn(_ context.Context, w domain.Warning) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := w.At
	if at.IsZero() {
		at = c.now()
	}
	_, err := fmt.Fprintf(c.out, "[%s] ⚠ %s (temp %s)\n", at.Format("15:04:05"), w.Message, shortID(w.TempID))
	return err
}

// Progress imprime el avance de un replay.
func (c *Console) Progress(pct int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] replay %3d%%\n", c.now().Format("15:04:05"), pct)
}

// PrintSnapshot imprime el estado local: una línea en modo compacto, tablas
// de listings, offers y leaderboard en modo tabla.
func (c *Console) PrintSnapshot(snap state.Snapshot, seq domain.SequenceState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, l := range snap.Listings {
		if l.Origin == domain.OriginOptimistic {
			pending++
		}
	}
	for _, o := range snap.Offers {
		if o.Origin == domain.OriginOptimistic {
			pending++
		}
	}

	gap := ""
	if seq.GapInProgress {
		gap = fmt.Sprintf(" gap(%d→%d)", seq.LastAppliedSeq, seq.HighestSeen)
	}
	fmt.Fprintf(c.out, "[%s] seq:%d%s listings:%d offers:%d pending:%d trades:%d\n",
		c.now().Format("15:04:05"), seq.LastAppliedSeq, gap,
		len(snap.Listings), len(snap.Offers), pending, snap.Trades)

	if !c.table {
		return
	}
	c.printListings(snap.Listings)
	c.printOffers(snap.Offers)
	c.printLeaderboard(snap.Leaderboard)
}

func (c *Console) printListings(ls []domain.Listing) {
	if len(ls) == 0 {
		fmt.Fprintln(c.out, "  no listings")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Asset", "Price", "Currency", "Seller", "Origin")
	for _, l := range ls {
		table.Append(
			idLabel(l.ID, l.TempID),
			truncate(l.Asset(), 30),
			l.Price,
			l.Currency,
			shortAddr(l.Seller),
			string(l.Origin),
		)
	}
	table.Render()
}

func (c *Console) printOffers(offers []domain.Offer) {
	if len(offers) == 0 {
		fmt.Fprintln(c.out, "  no offers")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Asset", "Price", "Currency", "Buyer", "Origin")
	for _, o := range offers {
		table.Append(
			idLabel(o.ID, o.TempID),
			truncate(o.Asset(), 30),
			o.Price,
			o.Currency,
			shortAddr(o.Buyer),
			string(o.Origin),
		)
	}
	table.Render()
}

func (c *Console) printLeaderboard(rows []domain.LeaderboardEntry) {
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Trader", "Volume", "Trades")
	for _, r := range rows {
		table.Append(
			fmt.Sprintf("%d", r.Rank),
			shortAddr(r.Address),
			fmt.Sprintf("%.2f", r.Volume),
			fmt.Sprintf("%d", r.Trades),
		)
	}
	table.Render()
}

// --- helpers ---

func idLabel(id, tempID string) string {
	if id != "" {
		return id
	}
	return "~" + shortID(tempID)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// shortAddr abrevia una address hex: 0x1234…abcd.
func shortAddr(a string) string {
	if len(a) <= 12 || !strings.HasPrefix(a, "0x") {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
