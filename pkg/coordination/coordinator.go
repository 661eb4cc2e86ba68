// Package coordination runs the discovery and election protocol for one
// peer and exposes who the peer currently believes the leader is.
//
// The protocol is self-stabilizing: any observed disagreement about the
// leader (a conflicting WELCOME, an ELECTED for an unknown election, or one
// announced by the wrong winner) simply triggers a fresh election. Nothing
// relies on ordered or guaranteed delivery.
package coordination

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"peerelect/pkg/clock"
	"peerelect/pkg/election"
	"peerelect/pkg/logger"
	"peerelect/pkg/metrics"
	"peerelect/pkg/protocol"
	"peerelect/pkg/transport"
)

const (
	// VoteReuse is how long a vote string is reused across elections, so
	// closely spaced elections tend to produce the same ordering.
	VoteReuse = 30 * time.Second

	// SweepFactor multiplies the validity window to get the GC interval.
	SweepFactor = 16

	// MaxElectionIDAttempts bounds the search for an unused election id.
	MaxElectionIDAttempts = 1000
)

var (
	ErrElectionIDExhausted = errors.New("failed to determine a safe election id")
	ErrClosed              = errors.New("coordinator closed")
)

// Election triggers, used as metric labels.
const (
	triggerManual         = "manual"
	triggerWelcome        = "welcome_conflict"
	triggerUnknownElected = "unknown_election"
	triggerWrongWinner    = "unexpected_winner"
)

// Coordinator is the peer-local protocol state machine. Build exactly one per
// process and share it; every state transition runs under one mutex, so
// inbound dispatch and timer callbacks never interleave.
type Coordinator struct {
	transport     transport.Transport
	clock         clock.Clock
	baseLog       *zap.Logger
	log           *zap.Logger
	tracer        trace.Tracer
	clientID      string
	newElectionID func() string
	newVote       func() string
	validity      time.Duration
	voteReuse     time.Duration

	mu          sync.RWMutex
	started     bool
	closed      bool
	knownPeers  map[string]struct{}
	current     *election.Election
	elections   map[string]*election.Election
	timers      map[string]clock.Timer
	sweepTimer  clock.Timer
	vote        string
	voteExpires time.Time
}

var _ Leadership = (*Coordinator)(nil)

// New builds a coordinator on top of t. It does not send anything until
// Start or Run is called.
func New(t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:     t,
		clock:         clock.Real(),
		tracer:        otel.Tracer("peerelect/coordination"),
		newElectionID: protocol.NewToken,
		newVote:       protocol.NewToken,
		validity:      election.Validity,
		knownPeers:    make(map[string]struct{}),
		elections:     make(map[string]*election.Election),
		timers:        make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = protocol.NewClientID()
	}

	c.voteReuse = VoteReuse
	if c.validity != election.Validity {
		c.voteReuse = 3 * c.validity
	}
	c.log = logger.ForPeer(c.baseLog, "coordinator", c.clientID)
	return c
}

// ClientID returns this peer's identity.
func (c *Coordinator) ClientID() string {
	return c.clientID
}

// LeaderID returns the believed leader.
func (c *Coordinator) LeaderID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderID()
}

// IsCurrentlyLeader reports whether this peer believes it is the leader.
func (c *Coordinator) IsCurrentlyLeader() bool {
	return c.LeaderID() == c.clientID
}

// KnownPeers returns the peers seen since the last IDENT, sorted.
func (c *Coordinator) KnownPeers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knownPeerList()
}

// Status returns a snapshot of the protocol state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	leader := c.leaderID()
	s := Status{
		ClientID:        c.clientID,
		LeaderID:        leader,
		IsLeader:        leader == c.clientID,
		KnownPeers:      c.knownPeerList(),
		ActiveElections: len(c.elections),
	}
	if c.current != nil {
		started := c.current.StartTs
		s.ElectionID = c.current.ID
		s.ElectionStartedAt = &started
	}
	return s
}

// Start announces this peer and arms the periodic sweep. It is idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	c.sendIdent()
	c.armSweep()
	metrics.SetLeader(c.leaderID() == c.clientID)
}

// Run starts the coordinator and dispatches inbound operations until ctx is
// cancelled or the transport closes its stream.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Start()
	defer c.Close()

	msgs := c.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op, ok := <-msgs:
			if !ok {
				return transport.ErrClosed
			}
			c.HandleOperation(op)
		}
	}
}

// Close stops all pending timers. The transport is left to its owner.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// StartElection opens a new election originated by this peer and returns
// its id.
func (c *Coordinator) StartElection() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.startElection(triggerManual)
}

// HandleOperation dispatches one inbound operation. Invalid operations are
// dropped silently.
func (c *Coordinator) HandleOperation(op protocol.Operation) {
	if err := op.Validate(); err != nil {
		// hostile co-tenants may flood the channel; stay at debug
		c.log.Debug("dropping malformed operation", zap.Error(err))
		metrics.OperationsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if op.ClientID == c.clientID {
		metrics.OperationsDropped.WithLabelValues("echo").Inc()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	metrics.OperationsReceived.WithLabelValues(string(op.Kind)).Inc()

	switch op.Kind {
	case protocol.KindIdent:
		c.sendWelcome()
		c.trackJoin(op)
	case protocol.KindWelcome:
		c.handleWelcome(op)
		c.trackJoin(op)
	case protocol.KindBeginElect:
		c.castVote(op)
	case protocol.KindVote:
		c.handleVote(op)
	case protocol.KindElected:
		c.handleElected(op)
	}
}

// Everything below must be called with mu held.

func (c *Coordinator) leaderID() string {
	if c.current != nil && c.current.Winner() != "" {
		return c.current.Winner()
	}
	return c.clientID
}

func (c *Coordinator) knownPeerList() []string {
	peers := make([]string, 0, len(c.knownPeers))
	for id := range c.knownPeers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (c *Coordinator) send(op protocol.Operation) {
	if err := c.transport.Send(op); err != nil {
		c.log.Debug("broadcast failed", zap.Stringer("op", op), zap.Error(err))
		metrics.OperationsDropped.WithLabelValues("send_failed").Inc()
		return
	}
	metrics.OperationsSent.WithLabelValues(string(op.Kind)).Inc()
}

func (c *Coordinator) currentVote() string {
	now := c.clock.Now()
	if c.vote == "" || !now.Before(c.voteExpires) {
		c.vote = c.newVote()
		c.voteExpires = now.Add(c.voteReuse)
	}
	return c.vote
}

func (c *Coordinator) trackJoin(op protocol.Operation) {
	c.log.Debug("peer seen", zap.String("peer", op.ClientID), zap.String("via", string(op.Kind)))
	c.knownPeers[op.ClientID] = struct{}{}
	metrics.KnownPeers.Set(float64(len(c.knownPeers)))
}

func (c *Coordinator) sendIdent() {
	c.log.Debug("sending IDENT")
	c.knownPeers = make(map[string]struct{})
	metrics.KnownPeers.Set(0)
	c.send(protocol.Ident(c.clientID))
}

func (c *Coordinator) sendWelcome() {
	op := protocol.Welcome(c.clientID, c.leaderID())
	c.send(op)
	// our own claim seeds our state when we have none yet
	c.handleWelcome(op)
}

func (c *Coordinator) handleWelcome(op protocol.Operation) {
	claimed := op.Payload.Leader
	if c.current == nil {
		c.adopt(election.Bootstrap(claimed))
		c.log.Info("adopted leader from WELCOME", zap.String("leader", claimed), zap.String("from", op.ClientID))
		return
	}

	if claimed != c.current.Winner() {
		c.log.Warn("leader conflict on WELCOME",
			zap.String("from", op.ClientID),
			zap.String("believed", c.current.Winner()),
			zap.String("claimed", claimed),
		)
		c.mustStartElection(triggerWelcome)
	}
}

func (c *Coordinator) castVote(op protocol.Operation) {
	id := op.Payload.ElectionID
	now := c.clock.Now()

	e, known := c.elections[id]
	if !known {
		e = election.NewWithValidity(id, op.StartTime(), c.validity)
	}
	if e.HasEnded(now) {
		c.log.Debug("ignoring BEGIN_ELECT for ended election", zap.String("election_id", id), zap.String("from", op.ClientID))
		metrics.OperationsDropped.WithLabelValues("expired").Inc()
		return
	}
	if !known {
		c.elections[id] = e
		metrics.ActiveElections.Set(float64(len(c.elections)))
	}

	e.AddVote(op.ClientID, op.Payload.Vote)
	vote, voted := e.VoteOf(c.clientID)
	if !voted {
		vote = c.currentVote()
		e.AddVote(c.clientID, vote)
	}

	c.log.Info("voted", zap.String("election_id", id), zap.String("vote", vote), zap.String("originator", op.ClientID))
	c.send(protocol.Vote(c.clientID, id, vote))

	if !known {
		c.armFinalize(e)
	}
}

func (c *Coordinator) handleVote(op protocol.Operation) {
	e, ok := c.elections[op.Payload.ElectionID]
	if !ok {
		metrics.OperationsDropped.WithLabelValues("unknown_election").Inc()
		return
	}
	if e.HasEnded(c.clock.Now()) {
		metrics.OperationsDropped.WithLabelValues("expired").Inc()
		return
	}

	e.AddVote(op.ClientID, op.Payload.Vote)
	c.log.Debug("vote received",
		zap.String("election_id", e.ID),
		zap.String("from", op.ClientID),
		zap.String("vote", op.Payload.Vote),
	)
}

func (c *Coordinator) handleElected(op protocol.Operation) {
	id := op.Payload.ElectionID
	e, ok := c.elections[id]
	if !ok {
		c.log.Warn("ELECTED for unknown election, starting new vote", zap.String("election_id", id), zap.String("from", op.ClientID))
		c.mustStartElection(triggerUnknownElected)
		return
	}

	if winner := e.Finalize(); winner != op.ClientID {
		c.log.Warn("unexpected leader announced, starting new vote",
			zap.String("election_id", id),
			zap.String("announced", op.ClientID),
			zap.String("computed", winner),
		)
		c.mustStartElection(triggerWrongWinner)
		return
	}

	c.tryAdopt(e)
}

// tryAdopt replaces the current election unless e started before it.
func (c *Coordinator) tryAdopt(e *election.Election) {
	if c.current != nil && e.StartTs.Before(c.current.StartTs) {
		c.log.Debug("not adopting older election",
			zap.String("election_id", e.ID),
			zap.String("current_election_id", c.current.ID),
		)
		return
	}
	c.adopt(e)
}

func (c *Coordinator) adopt(e *election.Election) {
	previous := c.leaderID()
	var previousID string
	if c.current != nil {
		previousID = c.current.ID
	}

	c.current = e
	leader := c.leaderID()
	c.log.Debug("current election updated", zap.String("from", previousID), zap.String("to", e.ID))
	if leader != previous {
		c.log.Info("leader changed", zap.String("leader", leader), zap.String("previous", previous), zap.String("election_id", e.ID))
		metrics.LeaderChanges.Inc()
	}
	metrics.SetLeader(leader == c.clientID)
}

func (c *Coordinator) armFinalize(e *election.Election) {
	delay := e.FinalizeAt().Sub(c.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := e.ID
	c.timers[id] = c.clock.AfterFunc(delay, func() { c.finalize(id) })
}

// finalize runs when an election's finalize timer fires.
func (c *Coordinator) finalize(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delete(c.timers, id)

	e, ok := c.elections[id]
	if !ok {
		// purged by the sweep
		return
	}

	_, span := c.tracer.Start(context.Background(), "election.finalize",
		trace.WithAttributes(attribute.String("election.id", id)),
	)
	defer span.End()

	winner := e.Finalize()
	c.tryAdopt(e)
	span.SetAttributes(attribute.String("election.winner", winner), attribute.Int("election.votes", len(e.Votes())))

	if winner != c.clientID {
		metrics.ElectionsFinalized.WithLabelValues("lost").Inc()
		return
	}

	c.log.Info("won election", zap.String("election_id", id), zap.Int("votes", len(e.Votes())))
	metrics.ElectionsFinalized.WithLabelValues("won").Inc()
	c.send(protocol.Elected(c.clientID, id))
}

func (c *Coordinator) mustStartElection(trigger string) {
	if _, err := c.startElection(trigger); err != nil {
		c.log.Error("cannot start election", zap.String("trigger", trigger), zap.Error(err))
		panic(err)
	}
}

func (c *Coordinator) startElection(trigger string) (string, error) {
	_, span := c.tracer.Start(context.Background(), "election.start",
		trace.WithAttributes(attribute.String("election.trigger", trigger)),
	)
	defer span.End()

	id, err := c.mintElectionID()
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	// wire timestamps carry milliseconds; keep ours identical to what peers see
	startTs := time.UnixMilli(c.clock.Now().UnixMilli())
	e := election.NewWithValidity(id, startTs, c.validity)
	c.elections[id] = e
	metrics.ActiveElections.Set(float64(len(c.elections)))

	vote := c.currentVote()
	e.AddVote(c.clientID, vote)

	c.log.Info("starting new election",
		zap.String("election_id", id),
		zap.String("vote", vote),
		zap.String("trigger", trigger),
		zap.Time("start", startTs),
	)
	span.SetAttributes(attribute.String("election.id", id))
	metrics.ElectionsStarted.WithLabelValues(trigger).Inc()

	c.send(protocol.BeginElect(c.clientID, id, startTs, vote))
	c.armFinalize(e)
	return id, nil
}

func (c *Coordinator) mintElectionID() (string, error) {
	for attempt := 0; attempt < MaxElectionIDAttempts; attempt++ {
		id := c.newElectionID()
		if _, taken := c.elections[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", ErrElectionIDExhausted
}

func (c *Coordinator) sweepInterval() time.Duration {
	return c.validity * SweepFactor
}

func (c *Coordinator) armSweep() {
	c.sweepTimer = c.clock.AfterFunc(c.sweepInterval(), c.sweep)
}

// sweep drops elections older than the sweep interval and re-identifies so
// the known peer set only holds peers that are still around.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	cutoff := c.clock.Now().Add(-c.sweepInterval())
	c.log.Debug("cleaning up elections", zap.Time("older_than", cutoff))
	for id, e := range c.elections {
		if e.StartTs.After(cutoff) {
			continue
		}
		c.log.Debug("deleting old election", zap.String("election_id", id))
		delete(c.elections, id)
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
	}
	metrics.ActiveElections.Set(float64(len(c.elections)))

	c.sendIdent()
	c.armSweep()
}
