// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"encoding/xml"
)

// Handler routes decoded inbound stanzas for a session.
// The mux package provides the standard implementation; most users will
// never implement this interface themselves.
//
// HandleMessage and HandlePresence are invoked in arrival order relative to
// other stanzas of the same category. HandleIQ is invoked once per get or
// set request on its own task and must produce exactly one reply: the
// returned payload is sent in a result IQ, a returned stanza.Error becomes
// an error IQ, and any other error is logged and answered with
// undefined-condition.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandlePresence(ctx context.Context, p Presence)
	HandleIQ(ctx context.Context, iq IQ) (xml.TokenReader, error)
}
