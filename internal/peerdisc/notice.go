package peerdisc

import (
	"encoding/json"
	"fmt"

	"github.com/graffitinet/graffiti-server/internal/channel"
)

// ChangeNotice announces that an object in a channel changed. It
// carries the object's identity and stamp only, never its value;
// interested peers fetch the object through the discovery surface of
// the named source.
type ChangeNotice struct {
	Actor        string `json:"actor"`
	Name         string `json:"name"`
	Source       string `json:"source"`
	LastModified int64  `json:"lastModified"`

	// Channel the notice arrived on, filled in on receipt.
	Channel channel.Key `json:"-"`
}

// signedNotice is the gossip wire form: the raw notice bytes plus a
// possession proof over exactly those bytes under the topic's channel.
type signedNotice struct {
	Notice json.RawMessage `json:"notice"`
	Proof  []byte          `json:"proof"`
}

// encodeNotice signs a notice with the channel's possession proof.
// Only a holder of the plaintext channel can produce the signature, so
// receivers know the sender legitimately participates in the channel.
func encodeNotice(plaintext string, n ChangeNotice) ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notice: %w", err)
	}
	return json.Marshal(signedNotice{
		Notice: raw,
		Proof:  channel.Prove(plaintext, raw),
	})
}

// decodeNotice parses and verifies a gossip message against the topic's
// channel key. Messages with missing or bad proofs are rejected.
func decodeNotice(key channel.Key, data []byte) (ChangeNotice, error) {
	var signed signedNotice
	if err := json.Unmarshal(data, &signed); err != nil {
		return ChangeNotice{}, fmt.Errorf("malformed notice envelope: %w", err)
	}
	if !channel.Verify(key, signed.Proof, signed.Notice) {
		return ChangeNotice{}, fmt.Errorf("notice proof does not match channel %s", key)
	}
	var n ChangeNotice
	if err := json.Unmarshal(signed.Notice, &n); err != nil {
		return ChangeNotice{}, fmt.Errorf("malformed notice: %w", err)
	}
	if n.Actor == "" || n.Name == "" || n.LastModified <= 0 {
		return ChangeNotice{}, fmt.Errorf("incomplete notice")
	}
	n.Channel = key
	return n, nil
}

// PublishChange gossips an object-change notice on an announced
// channel's topic.
func (s *Service) PublishChange(plaintext string, n ChangeNotice) error {
	k := channel.KeyOf(plaintext)

	s.mu.Lock()
	a, ok := s.announces[k]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not announced", k)
	}

	data, err := encodeNotice(plaintext, n)
	if err != nil {
		return err
	}
	return a.topic.Publish(s.ctx, data)
}

// readNotices drains one announced channel's gossip subscription,
// verifying proofs and forwarding valid notices. Our own messages are
// skipped.
func (s *Service) readNotices(a *announced) {
	defer s.wg.Done()
	for {
		msg, err := a.sub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		n, err := decodeNotice(a.key, msg.Data)
		if err != nil {
			log.Debugf("Dropping gossip message on %s: %v", a.key, err)
			continue
		}
		select {
		case s.notices <- n:
		case <-s.ctx.Done():
			return
		}
	}
}
