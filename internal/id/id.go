package id

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const stepMax = 0xfff

// Generator produces time-ordered job ids of the form
// <unix-millis>-<seq>-<random suffix>. The sequence disambiguates ids minted
// in the same millisecond; the suffix guards against collisions across
// processes sharing the store.
type Generator struct {
	mu        sync.Mutex
	timestamp int64
	step      int64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < g.timestamp {
		// Clock regressed; hold the last timestamp to keep ids ordered
		now = g.timestamp
	}

	if now == g.timestamp {
		g.step = (g.step + 1) & stepMax
		if g.step == 0 {
			// Sequence exhausted for this millisecond, wait for the next
			for now <= g.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now

	return fmt.Sprintf("%d-%03x-%06x", now, g.step, rand.Uint32N(1<<24))
}
