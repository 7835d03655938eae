package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crashcore/internal/apperr"
)

// book is the in-memory bet ledger for the in-flight round. It is only
// ever mutated from the engine's mailbox goroutine, so it needs no
// internal locking for that path; the mutex guards reads from other
// goroutines (e.g. admin/health snapshots).
type book struct {
	mu            sync.RWMutex
	byID          map[string]*Bet
	byPlayer      map[string]*Bet
	seenClientIDs map[string]struct{}
	lastBetAt     map[string]time.Time
	order         []string
}

func newBook() *book {
	return &book{
		byID:          make(map[string]*Bet),
		byPlayer:      make(map[string]*Bet),
		seenClientIDs: make(map[string]struct{}),
		lastBetAt:     make(map[string]time.Time),
	}
}

// resetForNewRound clears per-round bet state. lastBetAt survives across
// rounds since the per-player cooldown is wall-clock, not round-scoped.
func (b *book) resetForNewRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID = make(map[string]*Bet)
	b.byPlayer = make(map[string]*Bet)
	b.seenClientIDs = make(map[string]struct{})
	b.order = nil
}

// validate checks the bet acceptance rules that don't require touching the
// ledger (duplicate client_id, one open bet per player, cooldown, stake
// bounds, round cap). Solvency is checked separately by the caller since it
// needs the aggregate open liability.
func (b *book) validate(player, clientID string, stake, minStake, maxStake decimal.Decimal, cooldown time.Duration, roundCap int, now time.Time) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, seen := b.seenClientIDs[clientID]; seen {
		return apperr.New(apperr.Duplicate, "client_id already submitted")
	}
	if _, open := b.byPlayer[player]; open {
		return apperr.New(apperr.InvalidInput, "player already has an open bet this round")
	}
	if last, ok := b.lastBetAt[player]; ok && now.Sub(last) < cooldown {
		return apperr.New(apperr.Cooldown, "player cooldown not elapsed")
	}
	if stake.LessThan(minStake) || stake.GreaterThan(maxStake) {
		return apperr.New(apperr.LimitExceeded, "stake outside configured bounds")
	}
	if roundCap > 0 && len(b.byID) >= roundCap {
		return apperr.New(apperr.LimitExceeded, "round bet cap reached")
	}
	return nil
}

// add records a newly-accepted bet; callers must have already validated it
// and posted the matching ledger entry.
func (b *book) add(bet *Bet, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[bet.ID] = bet
	b.byPlayer[bet.Player] = bet
	b.seenClientIDs[bet.ClientID] = struct{}{}
	b.lastBetAt[bet.Player] = now
	b.order = append(b.order, bet.ID)
}

func (b *book) openBetForPlayer(player string) (*Bet, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bet, ok := b.byPlayer[player]
	if !ok || bet.Status != BetStatusOpen {
		return nil, false
	}
	return bet, true
}

// acceptanceOrder returns the bet IDs in the order they were accepted,
// the input to the round's client_entropy commitment.
func (b *book) acceptanceOrder() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// openBets returns every bet still in status=open, for end-of-round
// settlement sweeps.
func (b *book) openBets() []*Bet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Bet, 0, len(b.byID))
	for _, bet := range b.byID {
		if bet.Status == BetStatusOpen {
			out = append(out, bet)
		}
	}
	return out
}

// allBets returns every bet placed this round regardless of status, for
// settlement persistence.
func (b *book) allBets() []*Bet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Bet, 0, len(b.byID))
	for _, bet := range b.byID {
		out = append(out, bet)
	}
	return out
}

// count returns the number of bets placed this round.
func (b *book) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// openLiability sums stake × cap_mult across all open bets, the worst-case
// payout the solvency manager must bound against the hot wallet.
func (b *book) openLiability(capMult decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, bet := range b.byID {
		if bet.Status == BetStatusOpen {
			total = total.Add(bet.Stake.Mul(capMult))
		}
	}
	return total
}
