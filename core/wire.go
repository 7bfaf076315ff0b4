package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexibleID decodes ids sent either as JSON numbers or strings.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// localDateTime is a timestamp without a zone, as sent by servers that format a
// local date-time in their own zone.
const localDateTime = "2006-01-02T15:04:05.999999999"

// Timestamp decodes RFC 3339 strings, zone-less date-times and epoch milliseconds.
// An empty string decodes to the zero time. A zone-less value is kept as a wall
// clock until In places it in the server's zone.
type Timestamp struct {
	t        time.Time
	zoneless bool
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("decode timestamp: %w", err)
		}
		*ts = Timestamp{t: time.UnixMilli(ms).UTC()}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	parsed, err := parseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// Time returns the instant, reading a zone-less value as UTC.
func (ts Timestamp) Time() time.Time {
	return ts.t
}

// In returns the instant, reading a zone-less value in loc. A nil loc means UTC.
func (ts Timestamp) In(loc *time.Location) time.Time {
	if !ts.zoneless || loc == nil {
		return ts.t
	}
	t := ts.t
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// ParseTimestamp parses the textual timestamp formats accepted from the server.
// Zone-less values are read in loc; a nil loc means UTC.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	ts, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.In(loc), nil
}

func parseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{t: t}, nil
	}
	t, err := time.ParseInLocation(localDateTime, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return Timestamp{t: t, zoneless: true}, nil
}

type participantWire struct {
	ID        FlexibleID `json:"id"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Image     string     `json:"image"`
	IsLawyer  bool       `json:"isLawyer"`
	IsJudge   bool       `json:"isJudge"`
}

func (p participantWire) participant() Participant {
	return Participant{
		ID:        string(p.ID),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Image:     p.Image,
		IsLawyer:  p.IsLawyer,
		IsJudge:   p.IsJudge,
	}
}

// messageWire is a message event as delivered on the inbox channel or
// returned by the history endpoint.
type messageWire struct {
	ID              FlexibleID       `json:"id"`
	ChatID          FlexibleID       `json:"chatId"`
	Content         string           `json:"content"`
	SentAt          Timestamp        `json:"sentAt"`
	SenderID        FlexibleID       `json:"senderId"`
	Sender          *participantWire `json:"sender"`
	ClientMessageID string           `json:"clientMessageId"`
}

func (w messageWire) message(loc *time.Location) Message {
	m := Message{
		ID:            string(w.ID),
		ChatID:        string(w.ChatID),
		Content:       w.Content,
		SentAt:        w.SentAt.In(loc),
		SenderID:      string(w.SenderID),
		ClientID:      w.ClientMessageID,
		DeliveryState: DeliveryConfirmed,
	}
	if m.SenderID == "" && w.Sender != nil {
		m.SenderID = string(w.Sender.ID)
	}
	return m
}

// InboundMessage is a decoded message event together with the sender snapshot
// when the server included one.
type InboundMessage struct {
	Message
	Sender *Participant
}

// DecodeMessageEvent decodes an inbox payload. Zone-less timestamps are read in loc.
func DecodeMessageEvent(b []byte, loc *time.Location) (InboundMessage, error) {
	var w messageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return InboundMessage{}, fmt.Errorf("decode message event: %w", err)
	}
	if w.ID == "" || w.ChatID == "" {
		return InboundMessage{}, fmt.Errorf("decode message event: missing id or chatId")
	}
	in := InboundMessage{Message: w.message(loc)}
	if w.Sender != nil {
		p := w.Sender.participant()
		in.Sender = &p
	}
	return in, nil
}

type chatWire struct {
	ID                 FlexibleID        `json:"id"`
	ChatName           string            `json:"chatName"`
	Name               string            `json:"name"`
	ChatType           ChatType          `json:"chatType"`
	Type               ChatType          `json:"type"`
	DisplayName        string            `json:"displayName"`
	LastMessageAt      Timestamp         `json:"lastMessageAt"`
	LastMessageContent string            `json:"lastMessageContent"`
	UnreadCount        int               `json:"unreadCount"`
	CreatedAt          Timestamp         `json:"createdAt"`
	OtherUser          *participantWire  `json:"otherUser"`
	Participants       []participantWire `json:"participants"`
}

func (w chatWire) chat(loc *time.Location) Chat {
	c := Chat{
		ID:                 string(w.ID),
		Name:               w.ChatName,
		Type:               w.ChatType,
		DisplayName:        w.DisplayName,
		LastMessageAt:      w.LastMessageAt.In(loc),
		LastMessageContent: w.LastMessageContent,
		UnreadCount:        w.UnreadCount,
		CreatedAt:          w.CreatedAt.In(loc),
	}
	if c.Name == "" {
		c.Name = w.Name
	}
	if c.Type == "" {
		c.Type = w.Type
	}
	if c.Type == "" {
		c.Type = DirectChat
	}
	for _, p := range w.Participants {
		c.Participants = append(c.Participants, p.participant())
	}
	if len(c.Participants) == 0 && w.OtherUser != nil {
		c.Participants = append(c.Participants, w.OtherUser.participant())
	}
	return c
}

// outboundMessage is the payload sent to the application send destination.
type outboundMessage struct {
	ChatID          string `json:"chatId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}
