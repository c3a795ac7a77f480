package services

import (
	"errors"
	"testing"
	"time"

	"github.com/caio-sobreiro/amhsnet/types"
)

func TestResponseBuilder_Ack(t *testing.T) {
	sub := Submission{MessageID: "m-42", From: "LIRRZQZX", To: "LIMMZQZX"}

	got := NewResponseBuilder(sub).Ack()
	want := "Message-ID: m-42\nFrom: LIMMZQZX\nTo: LIRRZQZX\nStatus: RECEIVED\n"
	if got != want {
		t.Errorf("Ack() = %q, want %q", got, want)
	}

	if NewAckResponse(sub) != want {
		t.Error("NewAckResponse should match the builder")
	}
}

func TestResponseBuilder_Nack(t *testing.T) {
	sub := Submission{MessageID: "m-43", From: "LIRRZQZX", To: "LIMMZQZX"}

	got := NewNackResponse(sub, errors.New("Invalid AMHS body size"))
	want := "Message-ID: m-43\nStatus: REJECTED\nError: Invalid AMHS body size\n"
	if got != want {
		t.Errorf("Nack() = %q, want %q", got, want)
	}
}

func TestFormatMessageList_Empty(t *testing.T) {
	if got := FormatMessageList(nil); got != NoMessagesResponse {
		t.Errorf("FormatMessageList(nil) = %q, want %q", got, NoMessagesResponse)
	}
}

func TestFormatMessageList(t *testing.T) {
	filing := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	msgs := []*types.Message{
		{MessageID: "m-1", Sender: "LIRRZQZX", ChannelName: "ATFM", Priority: types.PriorityGG, FilingTime: filing, Body: "FIRST"},
		{MessageID: "m-2", Sender: "LIMMZQZX", ChannelName: "AFTN", Priority: types.PrioritySS, FilingTime: filing, Body: "SECOND"},
	}

	got := FormatMessageList(msgs)
	want := "ID: m-1 | From: LIRRZQZX | Channel: ATFM | Priority: GG | Filing-Time: 2026-03-01T12:30:00Z | Body: FIRST" +
		"\n---\n" +
		"ID: m-2 | From: LIMMZQZX | Channel: AFTN | Priority: SS | Filing-Time: 2026-03-01T12:30:00Z | Body: SECOND\n"
	if got != want {
		t.Errorf("FormatMessageList() =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatMessageDetail(t *testing.T) {
	msg := &types.Message{
		Sender:      "LIRRZQZX",
		Recipient:   "LIMMZQZX",
		ChannelName: "ATFM",
		Profile:     types.ProfileP3,
		Priority:    types.PriorityFF,
		FilingTime:  time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Body:        "HELLO",
	}

	got := FormatMessageDetail("m-1", msg)
	want := "From: LIRRZQZX\nTo: LIMMZQZX\nChannel: ATFM\nProfile: P3\nPriority: FF\nFiling-Time: 2026-03-01T12:30:00Z\nBody: HELLO\n"
	if got != want {
		t.Errorf("FormatMessageDetail() = %q, want %q", got, want)
	}
}

func TestFormatMessageDetail_NotFound(t *testing.T) {
	got := FormatMessageDetail("missing", nil)
	if got != "Message-ID missing not found.\n" {
		t.Errorf("FormatMessageDetail(nil) = %q", got)
	}
}
