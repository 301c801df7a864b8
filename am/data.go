package am

import (
	"github.com/najoast/amlink/transport"
)

// amData is the payload of a received message.
//
// DataEager owns buf. DataDesc borrows buf from the transport until desc is
// released or pulled. DataRndv only knows desc and length.
type amData struct {
	kind   DataType
	buf    []byte
	desc   transport.Descriptor
	length int
}

// newAMData classifies an arriving payload from its attribute flags. Eager
// bytes are copied here because the transport reuses them once the callback
// returns. It returns nil for an empty payload.
func newAMData(p *transport.AMRecvParam) *amData {
	switch {
	case p.Desc != nil && p.Attr.Has(transport.RecvAttrRndv):
		length := p.Length
		if length == 0 {
			length = p.Desc.Len()
		}
		return &amData{kind: DataRndv, desc: p.Desc, length: length}

	case p.Desc != nil && p.Attr.Has(transport.RecvAttrData):
		length := p.Length
		if length == 0 {
			length = len(p.Data)
		}
		return &amData{kind: DataDesc, buf: p.Data, desc: p.Desc, length: length}

	case len(p.Data) == 0:
		return nil

	default:
		buf := make([]byte, len(p.Data))
		copy(buf, p.Data)
		return &amData{kind: DataEager, buf: buf, length: len(buf)}
	}
}

// retained reports whether the transport must keep the payload after the callback.
func (d *amData) retained() bool {
	return d != nil && d.kind != DataEager
}

// resident returns the readable bytes, or nil for rendezvous data.
func (d *amData) resident() []byte {
	switch d.kind {
	case DataEager, DataDesc:
		return d.buf
	default:
		return nil
	}
}

// rawMsg is one received message as it sits in a handler queue.
type rawMsg struct {
	id      uint32
	header  []byte
	data    *amData
	replyEP transport.Endpoint
	attr    transport.RecvAttr
}

func newRawMsg(id uint32, header []byte, p *transport.AMRecvParam) *rawMsg {
	h := make([]byte, len(header))
	copy(h, header)

	return &rawMsg{
		id:      id,
		header:  h,
		data:    newAMData(p),
		replyEP: p.ReplyEP,
		attr:    p.Attr,
	}
}
