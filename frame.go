// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FrameType enumerates what a frame on a Muxer link carries.
type FrameType uint8

const (
	frameTypeInvalid = FrameType(iota)
	// FrameFrontToBack carries a FrontToBackTicket.
	FrameFrontToBack
	// FrameBackToFront carries a BackToFrontTicket.
	FrameBackToFront
	// FrameAckFrontToBack acknowledges a queued FrontToBackTicket.
	FrameAckFrontToBack
	// FrameAckBackToFront acknowledges a queued BackToFrontTicket.
	FrameAckBackToFront
	// FramePing asks the peer to return Stamp in a FramePong.
	FramePing
	// FramePong answers a FramePing.
	FramePong
)

var frameTypeText = map[FrameType]string{
	FrameFrontToBack:    "F2B",
	FrameBackToFront:    "B2F",
	FrameAckFrontToBack: "ACK-F2B",
	FrameAckBackToFront: "ACK-B2F",
	FramePing:           "PING",
	FramePong:           "PONG",
}

func (ft FrameType) String() string {
	if s, ok := frameTypeText[ft]; ok {
		return s
	}
	return fmt.Sprintf("FrameType(%d)", uint8(ft))
}

// frame is the unit of transfer between two Muxers, encoded as a CBOR array.
// Which fields are meaningful depends on Type.
type frame struct {
	_        struct{}      `cbor:",toarray"`
	Type     FrameType     // what the frame carries
	ID       [16]byte      // operation id
	Sequence int           // ticket sequence number
	Kind     uint8         // ticket kind
	Name     string        // F2B initial tickets only
	Sub      uint8         // F2B initial tickets only
	Trace    [16]byte      // F2B only
	Payload  interface{}   // ticket payload, nil if absent
	Timeout  time.Duration // F2B only, zero if absent
	Stamp    int64         // ping and pong, Unix nanoseconds
}

func (f *frame) String() string {
	switch f.Type {
	case FrameFrontToBack:
		return fmt.Sprintf("[%v %v #%d %v]", f.Type, OperationID(f.ID), f.Sequence, FrontToBackKind(f.Kind))
	case FrameBackToFront:
		return fmt.Sprintf("[%v %v #%d %v]", f.Type, OperationID(f.ID), f.Sequence, BackToFrontKind(f.Kind))
	case FrameAckFrontToBack, FrameAckBackToFront:
		return fmt.Sprintf("[%v %v]", f.Type, OperationID(f.ID))
	}
	return fmt.Sprintf("[%v %d]", f.Type, f.Stamp)
}

func (f *frame) setFrontToBack(t FrontToBackTicket) {
	f.Type = FrameFrontToBack
	f.ID = t.OperationID
	f.Sequence = t.SequenceNumber
	f.Kind = uint8(t.Kind)
	f.Name = t.Name
	f.Sub = uint8(t.Subscription)
	f.Trace = t.TraceID
	f.Payload = t.Payload
	f.Timeout = t.Timeout
}

func (f *frame) frontToBack() FrontToBackTicket {
	return FrontToBackTicket{
		OperationID:    OperationID(f.ID),
		SequenceNumber: f.Sequence,
		Kind:           FrontToBackKind(f.Kind),
		Name:           f.Name,
		Subscription:   SubscriptionKind(f.Sub),
		TraceID:        uuid.UUID(f.Trace),
		Payload:        f.Payload,
		Timeout:        f.Timeout,
	}
}

func (f *frame) setBackToFront(t BackToFrontTicket) {
	f.Type = FrameBackToFront
	f.ID = t.OperationID
	f.Sequence = t.SequenceNumber
	f.Kind = uint8(t.Kind)
	f.Payload = t.Payload
}

func (f *frame) backToFront() BackToFrontTicket {
	return BackToFrontTicket{
		OperationID:    OperationID(f.ID),
		SequenceNumber: f.Sequence,
		Kind:           BackToFrontKind(f.Kind),
		Payload:        f.Payload,
	}
}

func (f *frame) setAck(ft FrameType, id OperationID) {
	f.Type = ft
	f.ID = id
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error
	if frameEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("opmux: CBOR encoder initialization failed: " + err.Error())
	}
	frameDecMode, err = cbor.DecOptions{
		// payloads decoded into interface{} get string-keyed maps
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("opmux: CBOR decoder initialization failed: " + err.Error())
	}
}

// marshalFrame encodes f.
func marshalFrame(f *frame) ([]byte, error) {
	b, err := frameEncMode.Marshal(f)
	return b, errors.WithStack(err)
}

// unmarshalFrame decodes data into f.
func unmarshalFrame(data []byte, f *frame) error {
	return errors.WithStack(frameDecMode.Unmarshal(data, f))
}
