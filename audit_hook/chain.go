package audithook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous hash of the first link in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Link is one event of a hash chain.
type Link struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainRecorder links every event to the previous one with a SHA-256
// hash before handing it to the next Recorder. The hash and previous
// hash are added to the event metadata.
type ChainRecorder struct {
	next Recorder
	now  func() time.Time

	mu           sync.Mutex
	previousHash string
	links        []*Link
}

// NewChainRecorder wraps next. A nil next only keeps the chain in memory.
func NewChainRecorder(next Recorder) *ChainRecorder {
	return &ChainRecorder{
		next:         next,
		now:          time.Now,
		previousHash: GenesisHash,
	}
}

// Record implements Recorder.
func (c *ChainRecorder) Record(ctx context.Context, event *AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit_hook: encode event: %w", err)
	}

	c.mu.Lock()
	link := &Link{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      string(payload),
	}
	link.Hash = linkHash(link.PreviousHash, link.Timestamp, link.Payload)
	c.previousHash = link.Hash
	c.links = append(c.links, link)
	c.mu.Unlock()

	if c.next == nil {
		return nil
	}

	chained := *event
	chained.Metadata = make(map[string]any, len(event.Metadata)+2)
	for k, v := range event.Metadata {
		chained.Metadata[k] = v
	}
	chained.Metadata["hash"] = link.Hash
	chained.Metadata["previous_hash"] = link.PreviousHash
	return c.next.Record(ctx, &chained)
}

// Links returns a copy of the chain so far.
func (c *ChainRecorder) Links() []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Link, len(c.links))
	for i, l := range c.links {
		cp := *l
		out[i] = &cp
	}
	return out
}

// Head returns the hash of the last link.
func (c *ChainRecorder) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// VerifyChain reports whether links form an unbroken hash chain.
func VerifyChain(links []*Link) bool {
	for i, l := range links {
		if i > 0 && l.PreviousHash != links[i-1].Hash {
			return false
		}
		if linkHash(l.PreviousHash, l.Timestamp, l.Payload) != l.Hash {
			return false
		}
	}
	return true
}

func linkHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(prev + "|" + ts + "|" + payload))
	return hex.EncodeToString(sum[:])
}
