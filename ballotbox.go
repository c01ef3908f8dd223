package vines

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Ballot is a single voters entry in an election. Lifetime is the voters
// logical clock at the time of voting; on merge only the ballot with the
// highest lifetime per voter is retained.
type Ballot struct {
	Value    string `json:"value"`
	Lifetime uint64 `json:"lifetime"`
}

// Election is a per-topic decentralized election record. Records are merged
// pairwise via 'votes' messages until the quorum predicate is satisfied or
// the deadline passes; both transitions are terminal.
type Election struct {
	Topic  string            `json:"topic"`
	Origin string            `json:"origin"`
	Votes  map[string]Ballot `json:"votes"`

	// Quorum is the close threshold. Values >= 1 are an absolute vote
	// count, values in (0, 1) a fraction of known peers, and <= 0 a
	// majority of known peers.
	Quorum float64 `json:"quorum"`

	// Expires is the wall-clock deadline, zero when the election has none.
	Expires time.Time `json:"expires,omitempty"`

	Closed  bool `json:"closed"`
	Expired bool `json:"expired"`

	// Results is the tally by value, computed at close.
	Results map[string]int `json:"results,omitempty"`
}

func (e *Election) Clone() *Election {
	c := *e
	c.Votes = make(map[string]Ballot, len(e.Votes))
	for voter, ballot := range e.Votes {
		c.Votes[voter] = ballot
	}
	if e.Results != nil {
		c.Results = make(map[string]int, len(e.Results))
		for value, count := range e.Results {
			c.Results[value] = count
		}
	}
	return &c
}

// Winner returns the value with the highest count in the results. Ties are
// broken by lexicographic value order so every peer deciding independently
// over the same votes reaches the same winner.
func (e *Election) Winner() (string, bool) {
	if len(e.Results) == 0 {
		return "", false
	}

	values := make([]string, 0, len(e.Results))
	for value := range e.Results {
		values = append(values, value)
	}
	sort.Strings(values)

	winner := values[0]
	for _, value := range values[1:] {
		if e.Results[value] > e.Results[winner] {
			winner = value
		}
	}
	return winner, true
}

func (e *Election) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("topic", e.Topic)
	enc.AddString("origin", e.Origin)
	enc.AddInt("votes", len(e.Votes))
	enc.AddBool("closed", e.Closed)
	enc.AddBool("expired", e.Expired)
	return nil
}

func (e *Election) tally() map[string]int {
	results := make(map[string]int, len(e.Votes))
	for _, ballot := range e.Votes {
		results[ballot.Value]++
	}
	return results
}

// ElectionOpts configures a new election.
type ElectionOpts struct {
	Topic   string
	Origin  string
	Quorum  float64
	Expires time.Time

	// Value, if set, records an initial ballot by the origin.
	Value string
}

// ballotBox holds this nodes elections keyed by topic.
//
// Note this is thread safe.
type ballotBox struct {
	mu        sync.Mutex
	elections map[string]*Election
}

func newBallotBox() *ballotBox {
	return &ballotBox{
		elections: make(map[string]*Election),
	}
}

// Register adds a new election for the topic. Returns false if the topic is
// already registered, in which case the existing record stands.
func (b *ballotBox) Register(opts ElectionOpts) (*Election, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.elections[opts.Topic]; ok {
		return e.Clone(), false
	}

	e := &Election{
		Topic:   opts.Topic,
		Origin:  opts.Origin,
		Votes:   make(map[string]Ballot),
		Quorum:  opts.Quorum,
		Expires: opts.Expires,
	}
	b.elections[opts.Topic] = e
	return e.Clone(), true
}

func (b *ballotBox) Get(topic string) (*Election, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.elections[topic]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Vote records the voters ballot. If the election does not exist or is
// closed the call is a no-op; the returned record and accepted flag let the
// caller surface the current closed status.
func (b *ballotBox) Vote(voter string, topic string, value string, lifetime uint64) (*Election, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.elections[topic]
	if !ok {
		return nil, false
	}
	if e.Closed {
		return e.Clone(), false
	}

	e.Votes[voter] = Ballot{
		Value:    value,
		Lifetime: lifetime,
	}
	return e.Clone(), true
}

// mergeOutcome reports what Merge did with an incoming record so the
// caller can decide whether to surface a close or keep gossiping.
type mergeOutcome struct {
	// ClosedNow is set when this merge transitioned the local record to
	// closed.
	ClosedNow bool
	// Changed is set when the merge learned anything: the topic was
	// unknown, a ballot was adopted, or the record closed.
	Changed bool
}

// Merge integrates an incoming election record. Per voter the ballot with
// the higher lifetime wins, ties broken by the lexicographically greater
// value. A closed incoming record closes the local one, propagating the
// quorum or deadline decision. Unknown topics are adopted wholesale.
func (b *ballotBox) Merge(localID string, topic string, incoming *Election) (*Election, mergeOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var outcome mergeOutcome

	e, ok := b.elections[topic]
	if !ok {
		e = &Election{
			Topic:   topic,
			Origin:  incoming.Origin,
			Votes:   make(map[string]Ballot),
			Quorum:  incoming.Quorum,
			Expires: incoming.Expires,
		}
		b.elections[topic] = e
		outcome.Changed = true
	}

	if !e.Closed {
		for voter, ballot := range incoming.Votes {
			local, ok := e.Votes[voter]
			if !ok || ballot.Lifetime > local.Lifetime {
				e.Votes[voter] = ballot
				outcome.Changed = true
				continue
			}
			if ballot.Lifetime == local.Lifetime && ballot.Value > local.Value {
				e.Votes[voter] = ballot
				outcome.Changed = true
			}
		}
	}

	if incoming.Closed && !e.Closed {
		outcome.ClosedNow = true
		outcome.Changed = true
		e.Closed = true
		e.Expired = incoming.Expired
		if len(incoming.Results) > 0 {
			e.Results = make(map[string]int, len(incoming.Results))
			for value, count := range incoming.Results {
				e.Results[value] = count
			}
		} else {
			e.Results = e.tally()
		}
	}

	return e.Clone(), outcome
}

// Decide evaluates the quorum predicate against the number of known peers.
// If satisfied the election closes, the results are tallied and true is
// returned.
//
// The predicate counts ballots for the leading value rather than all
// collected ballots, so every peer deciding independently closes on the
// same winner regardless of the order ballots circulated.
func (b *ballotBox) Decide(topic string, peers int) (*Election, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.elections[topic]
	if !ok {
		return nil, false
	}
	if e.Closed {
		return e.Clone(), false
	}

	results := e.tally()
	leading := 0
	for _, count := range results {
		if count > leading {
			leading = count
		}
	}
	if leading < quorumThreshold(e.Quorum, peers) {
		return e.Clone(), false
	}

	e.Closed = true
	e.Results = results
	return e.Clone(), true
}

// Expire closes the election as expired. Returns whether this call
// transitioned it to closed.
func (b *ballotBox) Expire(topic string) (*Election, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.elections[topic]
	if !ok || e.Closed {
		return nil, false
	}

	e.Closed = true
	e.Expired = true
	e.Results = e.tally()
	return e.Clone(), true
}

func (b *ballotBox) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := make([]string, 0, len(b.elections))
	for topic := range b.elections {
		topics = append(topics, topic)
	}
	return topics
}

func (b *ballotBox) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := 0
	for _, e := range b.elections {
		if !e.Closed {
			open++
		}
	}
	return open
}

// quorumThreshold resolves the quorum field to an absolute vote count.
func quorumThreshold(quorum float64, peers int) int {
	switch {
	case quorum >= 1:
		return int(math.Ceil(quorum))
	case quorum > 0:
		return int(math.Ceil(quorum * float64(peers)))
	default:
		return peers/2 + 1
	}
}
