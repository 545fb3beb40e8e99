// Package pairing tracks the shared-secret admission state of a
// receiver: the current pair code, the previous code inside its grace
// window, and the two rotation policies (per-transfer and TTL).
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	// CodeLength is the decimal pair code width.
	CodeLength = 6
	// regenerateAttempts bounds retries when a fresh code collides with
	// the current one.
	regenerateAttempts = 5
)

var (
	// ErrGeneratorRequired indicates a rotation policy was enabled
	// without a code generator.
	ErrGeneratorRequired = errors.New("pairing: rotation requires a code generator")
)

// GenerateFunc produces one 6-digit decimal pair code.
type GenerateFunc func() (string, error)

// DefaultGenerator draws a uniform 6-digit decimal code from crypto/rand.
func DefaultGenerator() (string, error) {
	max := big.NewInt(1000000)
	value, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate pair code: %w", err)
	}
	return fmt.Sprintf("%06d", value.Int64()), nil
}

// Options configures a pairing state.
type Options struct {
	// Code is the initial pair code. Empty means open admission until a
	// rotation installs one.
	Code string
	// RotatePerTransfer rotates after every successful ack.
	RotatePerTransfer bool
	// TTL enables periodic rotation; zero disables it.
	TTL time.Duration
	// Generate supplies fresh codes for either rotation policy.
	Generate GenerateFunc
	// OnChange observes every installed current code.
	OnChange func(code string)

	now func() time.Time
}

// State is the single owner of pair admission data. All mutation is
// serialized; a snapshot of (current, previous, validUntil) is taken
// under the lock for every admission decision.
type State struct {
	mu sync.Mutex

	current            string
	previous           string
	previousValidUntil time.Time
	activeTransfers    int

	rotatePerTransfer bool
	ttl               time.Duration
	generate          GenerateFunc
	onChange          func(code string)
	now               func() time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates options and builds a pairing state.
func New(options Options) (*State, error) {
	if (options.RotatePerTransfer || options.TTL > 0) && options.Generate == nil {
		return nil, ErrGeneratorRequired
	}

	now := options.now
	if now == nil {
		now = time.Now
	}

	return &State{
		current:           options.Code,
		rotatePerTransfer: options.RotatePerTransfer,
		ttl:               options.TTL,
		generate:          options.Generate,
		onChange:          options.OnChange,
		now:               now,
		stop:              make(chan struct{}),
	}, nil
}

// Start launches the TTL rotation ticker when a TTL is configured.
func (s *State) Start() {
	if s.ttl <= 0 {
		return
	}

	s.ticker = time.NewTicker(s.ttl)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.rotateTTL()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop cancels the TTL ticker. Safe to call more than once.
func (s *State) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.wg.Wait()
	})
}

// Current returns the code admissions are checked against.
func (s *State) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// BeginTransfer marks one inbound session in flight. Callers must
// increment before the admission check so a concurrent TTL tick cannot
// rotate the code out from under a session being admitted.
func (s *State) BeginTransfer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTransfers++
}

// EndTransfer releases one in-flight session.
func (s *State) EndTransfer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTransfers > 0 {
		s.activeTransfers--
	}
}

// Admit checks a header's pair code. With no current code every header
// is accepted. When the match is against the previous code inside its
// grace window, chainCode carries the current code so the sender can
// keep chaining the batch.
func (s *State) Admit(code string) (ok bool, chainCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == "" {
		return true, ""
	}
	if code == s.current {
		return true, ""
	}
	if s.previous != "" && code == s.previous && !s.now().After(s.previousValidUntil) {
		return true, s.current
	}
	return false, ""
}

// RotateAfterTransfer installs a fresh code after a successful ack and
// returns it for inclusion in the ack. It reports an empty code when
// per-transfer rotation is not configured. Per-transfer rotation drops
// the previous code immediately.
func (s *State) RotateAfterTransfer() (string, error) {
	if !s.rotatePerTransfer {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.generateDistinctLocked()
	if err != nil {
		return "", err
	}
	s.current = next
	s.previous = ""
	s.previousValidUntil = time.Time{}
	s.notifyLocked(next)
	return next, nil
}

// rotateTTL advances the current code on a TTL tick, keeping the old
// code admissible for one further TTL. A tick that lands while
// transfers are in flight is skipped.
func (s *State) rotateTTL() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTransfers > 0 {
		return
	}

	next, err := s.generateDistinctLocked()
	if err != nil {
		return
	}
	s.previous = s.current
	s.previousValidUntil = s.now().Add(s.ttl)
	s.current = next
	s.notifyLocked(next)
}

func (s *State) generateDistinctLocked() (string, error) {
	code, err := s.generate()
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < regenerateAttempts && code == s.current; attempt++ {
		code, err = s.generate()
		if err != nil {
			return "", err
		}
	}
	return code, nil
}

func (s *State) notifyLocked(code string) {
	if s.onChange != nil {
		s.onChange(code)
	}
}
