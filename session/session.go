// Package session persists multi-step exchanges that must survive a
// disconnect or a restart.
//
// A service suspends an exchange with the message kind it expects next (for
// example "confirm" before deleting a file). Later, possibly over another
// channel or after a restart, the client resumes it by id. The store checks
// the kind, runs the step registered for the exchange and either completes the
// session or suspends it again. Sessions not resumed within the TTL expire.
//
// Each session is one msgpack file, <dir>/<id>.session, replaced atomically.
package session

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"xbridge/rpcerr"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/vmihailenco/msgpack/v4"
	"go.uber.org/zap"
)

const fileExt = ".session"

// Session is a suspended exchange.
type Session struct {
	ID       string    `msgpack:"id"`
	Exchange string    `msgpack:"exchange"`
	Expected string    `msgpack:"expected"`
	State    []byte    `msgpack:"state"`
	Created  time.Time `msgpack:"created"`
	Updated  time.Time `msgpack:"updated"`
}

// Decode unpacks the partial state into v.
func (s *Session) Decode(v any) error {
	if len(s.State) == 0 {
		return nil
	}
	return errors.Wrapf(msgpack.Unmarshal(s.State, v), "Failed to decode state of session %s", s.ID)
}

// Message is what a client sends to resume a session.
type Message struct {
	Kind    string
	Payload []byte
}

// Outcome is the result of one step.
type Outcome struct {
	// Next is the message kind expected next. Empty completes the exchange
	// and deletes the session.
	Next string

	// State replaces the partial state when the session is suspended again.
	// Nil keeps the previous state.
	State any

	// Reply is returned to the resuming caller.
	Reply any
}

// StepFunc applies msg to a copy of the session.
type StepFunc func(ctx context.Context, s *Session, msg Message) (*Outcome, error)

// Options configures a Store.
type Options struct {
	TTL        time.Duration // default 24h
	SweepEvery time.Duration // default 1m
	Logger     *zap.Logger
	Now        func() time.Time
}

// Store is the session directory. All methods are safe for concurrent use.
type Store struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	steps map[string]StepFunc
	cron  *cron.Cron
}

// Open uses dir as the session directory, creating it if needed.
func Open(dir string, opts Options) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "Failed to create session directory")
	}
	return &Store{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.Named("session"),
		steps:  map[string]StepFunc{},
	}, nil
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Handle registers the step for an exchange kind.
func (s *Store) Handle(exchange string, step StepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[exchange] = step
}

// Suspend persists a session. An existing session with the same id is
// replaced.
func (s *Store) Suspend(id, exchange string, state any, expected string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(rpcerr.ErrBadArguments, "invalid session id %q", id)
	}
	if expected == "" {
		return errors.New("A suspended session must expect a message kind")
	}
	raw, err := msgpack.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "Failed to encode session state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	sess := &Session{ID: id, Exchange: exchange, Expected: expected, State: raw, Created: now, Updated: now}
	if prev, err := s.load(id); err == nil {
		sess.Created = prev.Created
	}
	if err := s.save(sess); err != nil {
		return err
	}
	s.logger.Debug("Session suspended", zap.String("id", id), zap.String("exchange", exchange), zap.String("expected", expected))
	return nil
}

// Resume applies msg to the session. It fails with ErrUnknownSession if the
// session does not exist or has expired, and with ErrUnexpectedMessageKind if
// msg is not the kind the session waits for. In both cases, and when the step
// fails, the persisted session is left unchanged.
//
// Expiry is decided under the same lock as the step, so a resume never races
// the sweeper.
func (s *Store) Resume(ctx context.Context, id string, msg Message) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.live(id)
	if err != nil {
		return nil, err
	}
	if msg.Kind != sess.Expected {
		return nil, errors.Wrapf(rpcerr.ErrUnexpectedMessageKind, "session %s expects %q, got %q", id, sess.Expected, msg.Kind)
	}
	step, ok := s.steps[sess.Exchange]
	if !ok {
		return nil, errors.Wrapf(rpcerr.ErrUnknownSession, "no handler for exchange %q", sess.Exchange)
	}

	work := *sess
	work.State = append([]byte(nil), sess.State...)
	outcome, err := step(ctx, &work, msg)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		outcome = &Outcome{}
	}

	if outcome.Next == "" {
		if err := s.remove(id); err != nil {
			return nil, err
		}
		s.logger.Debug("Session completed", zap.String("id", id))
		return outcome, nil
	}

	sess.Expected = outcome.Next
	sess.Updated = s.opts.Now()
	if outcome.State != nil {
		if sess.State, err = msgpack.Marshal(outcome.State); err != nil {
			return nil, errors.Wrap(err, "Failed to encode session state")
		}
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return outcome, nil
}

// Expire cancels a session explicitly.
func (s *Store) Expire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(id); err != nil {
		return err
	}
	s.logger.Debug("Session expired", zap.String("id", id))
	return s.remove(id)
}

// Get returns a live session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(id)
}

// List returns the live sessions, oldest first.
func (s *Store) List() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	var sessions []*Session
	for _, id := range ids {
		sess, err := s.load(id)
		if err != nil || s.expired(sess, now) {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.Before(sessions[j].Created)
	})
	return sessions, nil
}

// Sweep deletes every session idle for longer than the TTL at now, and
// files that cannot be decoded. It returns the number of sessions removed.
func (s *Store) Sweep(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		sess, err := s.load(id)
		switch {
		case errors.Is(err, rpcerr.ErrUnknownSession):
			continue
		case err != nil:
			s.logger.Warn("Removing unreadable session", zap.String("id", id), zap.Error(err))
		case !s.expired(sess, now):
			continue
		}
		if err := s.remove(id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Swept sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// Start runs Sweep every Options.SweepEvery until Stop.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.opts.SweepEvery), cron.FuncJob(func() {
		if _, err := s.Sweep(s.opts.Now()); err != nil {
			s.logger.Warn("Session sweep failed", zap.Error(err))
		}
	}))
	s.cron.Start()
}

// Stop stops the sweeper and waits for a running sweep.
func (s *Store) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.Updated) > s.opts.TTL
}

// live loads a session, deleting it if it has expired.
func (s *Store) live(id string) (*Session, error) {
	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if s.expired(sess, s.opts.Now()) {
		if err := s.remove(id); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(rpcerr.ErrUnknownSession, "session %s has expired", id)
	}
	return sess, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) load(id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(rpcerr.ErrUnknownSession, "invalid session id %q", id)
	}
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(rpcerr.ErrUnknownSession, "no session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read session %s", id)
	}
	sess := &Session{}
	if err := msgpack.Unmarshal(raw, sess); err != nil {
		return nil, errors.Wrapf(err, "Failed to decode session %s", id)
	}
	return sess, nil
}

func (s *Store) save(sess *Session) error {
	raw, err := msgpack.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "Failed to encode session")
	}
	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+"-*")
	if err != nil {
		return errors.Wrap(err, "Failed to create session file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "Failed to write session file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "Failed to write session file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path(sess.ID)), "Failed to replace session file")
}

func (s *Store) remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "Failed to remove session %s", id)
	}
	return nil
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read session directory")
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}
