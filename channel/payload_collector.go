package channel

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// maxPayloadParts bounds the number of parts of one payload.
	maxPayloadParts = 2000
	// maxTrackedPayloads bounds the payloads collected at the same time.
	maxTrackedPayloads = 10
	// payloadPartTimeout drops a partial payload that received no part
	// for this long.
	payloadPartTimeout = 60 * time.Second
)

type partialPayload struct {
	first    *PayloadPart
	parts    map[uint32][]byte
	size     int
	lastSeen time.Time
}

// payloadCollector reassembles split payloads. It is used only from the
// decryptor's mailbox goroutine.
type payloadCollector struct {
	time     crypto.TimeProvider
	payloads map[uuid.UUID]*partialPayload
}

func newPayloadCollector(tp crypto.TimeProvider) *payloadCollector {
	return &payloadCollector{time: tp, payloads: make(map[uuid.UUID]*partialPayload)}
}

// add records part and returns the whole payload once every part arrived.
func (c *payloadCollector) add(part *PayloadPart) (*PlaintextPayload, error) {
	if part.Total == 0 || part.Total > maxPayloadParts {
		return nil, fmt.Errorf("%w: %d parts", ErrInvalidPayloadPart, part.Total)
	}
	if part.Number == 0 || part.Number > part.Total {
		return nil, fmt.Errorf("%w: part %d of %d", ErrInvalidPayloadPart, part.Number, part.Total)
	}
	if part.Total == 1 {
		return &PlaintextPayload{OnwardRoute: part.OnwardRoute, ReturnRoute: part.ReturnRoute, Payload: part.Payload}, nil
	}

	now := c.time.Now()
	c.evictStale(now)

	p, ok := c.payloads[part.ID]
	if !ok {
		if len(c.payloads) >= maxTrackedPayloads {
			return nil, fmt.Errorf("%w: too many partial payloads", ErrInvalidPayloadPart)
		}
		p = &partialPayload{first: part, parts: make(map[uint32][]byte, part.Total)}
		c.payloads[part.ID] = p
	} else if part.Total != p.first.Total ||
		!slices.Equal(part.OnwardRoute, p.first.OnwardRoute) ||
		!slices.Equal(part.ReturnRoute, p.first.ReturnRoute) {
		delete(c.payloads, part.ID)
		return nil, fmt.Errorf("%w: part %d does not match payload %s", ErrInvalidPayloadPart, part.Number, part.ID)
	}
	p.lastSeen = now

	if _, dup := p.parts[part.Number]; dup {
		logrus.WithFields(logrus.Fields{
			"function": "payloadCollector.add",
			"payload":  part.ID.String(),
			"part":     part.Number,
		}).Warn("Duplicate payload part ignored")
		return nil, nil
	}
	p.parts[part.Number] = part.Payload
	p.size += len(part.Payload)
	if uint32(len(p.parts)) < p.first.Total {
		return nil, nil
	}

	delete(c.payloads, part.ID)
	whole := make([]byte, 0, p.size)
	for i := uint32(1); i <= p.first.Total; i++ {
		whole = append(whole, p.parts[i]...)
	}
	return &PlaintextPayload{
		OnwardRoute: p.first.OnwardRoute,
		ReturnRoute: p.first.ReturnRoute,
		Payload:     whole,
	}, nil
}

func (c *payloadCollector) evictStale(now time.Time) {
	for id, p := range c.payloads {
		if now.Sub(p.lastSeen) > payloadPartTimeout {
			delete(c.payloads, id)
			logrus.WithFields(logrus.Fields{
				"function": "payloadCollector.evictStale",
				"payload":  id.String(),
				"received": len(p.parts),
				"total":    p.first.Total,
			}).Warn("Dropped incomplete payload")
		}
	}
}

// pending returns the number of payloads still being collected.
func (c *payloadCollector) pending() int {
	return len(c.payloads)
}
