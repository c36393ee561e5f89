// File: client/audio/audio.go
//
// Package audio is a thin client for the audio transport channel: it
// opens a named message/event queue pair and exchanges opaque PCM
// control records. PCM format decoding and the ALSA driver surface live
// in the audio subsystem proper, not here; this package carries only
// posting control messages and receiving asynchronous status events.
package audio

import (
	"context"

	"github.com/mcmrarm/bce-transport/eventqueue"
	"github.com/mcmrarm/bce-transport/fabric"
)

// ChannelName is the name the firmware registers the audio control
// channel under.
const ChannelName = "audio-ctrl"

// RecordSize is the fixed record size audio control/status messages use.
const RecordSize = 64

// DefaultElCount/DefaultPrePost size the channel's rings.
const (
	DefaultElCount = 32
	DefaultPrePost = 16
)

// StatusCallback receives a copy of each inbound status record (e.g.
// buffer-position updates, underrun notifications). It MUST NOT block.
type StatusCallback func(record []byte)

// Transport is an audio control-plane client: fire-and-forget PCM
// control messages out, asynchronous status events in.
type Transport struct {
	opener *eventqueue.ChannelOpener
	ch     *eventqueue.Channel
}

// Open registers the audio control channel with the device through
// opener, backed by eventCQ (which may be shared with other client
// channels). cb is invoked for every inbound status event.
func Open(ctx context.Context, opener *eventqueue.ChannelOpener, eventCQ *fabric.CQ, cb StatusCallback) (*Transport, error) {
	ch, err := opener.Open(ctx, ChannelName, eventCQ, DefaultElCount, RecordSize, DefaultPrePost, eventqueue.EventCallback(cb))
	if err != nil {
		return nil, err
	}
	return &Transport{opener: opener, ch: ch}, nil
}

// PostControlMessage sends a PCM control record (open/start/stop/set
// format, in a real implementation) and blocks only until ring space is
// available, not for any device reply. record must be exactly
// RecordSize bytes.
func (t *Transport) PostControlMessage(ctx context.Context, record []byte) error {
	return t.ch.Message.PostMessage(ctx, record)
}

// Close unregisters the channel's rings from the device and tears the
// channel down.
func (t *Transport) Close(ctx context.Context) error {
	return t.opener.CloseChannel(ctx, t.ch)
}
