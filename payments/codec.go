package payments

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// kindType is the tlv type of the payment kind.
	kindType tlv.Type = 0

	// bodyType is the tlv type of the JSON encoded payment.
	bodyType tlv.Type = 1

	// seqType is the tlv type of the payment's sequence number.
	seqType tlv.Type = 2
)

// serializePayment encodes a payment into its database envelope.
func serializePayment(p Payment, seqNum uint64) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("unable to encode %v: %w", p.ID(), err)
	}

	kind := uint8(p.Kind())
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(kindType, &kind),
		tlv.MakePrimitiveRecord(bodyType, &body),
		tlv.MakePrimitiveRecord(seqType, &seqNum),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializePayment decodes a database envelope.
func deserializePayment(data []byte) (Payment, uint64, error) {
	var (
		kind   uint8
		body   []byte
		seqNum uint64
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(kindType, &kind),
		tlv.MakePrimitiveRecord(bodyType, &body),
		tlv.MakePrimitiveRecord(seqType, &seqNum),
	)
	if err != nil {
		return nil, 0, err
	}

	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, 0, err
	}

	p, err := newPaymentOfKind(Kind(kind))
	if err != nil {
		return nil, 0, err
	}

	if err := json.Unmarshal(body, p); err != nil {
		return nil, 0, fmt.Errorf("unable to decode %v payment: %w",
			Kind(kind), err)
	}

	return p, seqNum, nil
}

// newPaymentOfKind returns an empty payment of the given kind.
func newPaymentOfKind(kind Kind) (Payment, error) {
	switch kind {
	case KindOnchainDeposit:
		return &OnchainDeposit{}, nil
	case KindOnchainWithdrawal:
		return &OnchainWithdrawal{}, nil
	case KindInboundInvoice:
		return &InboundInvoice{}, nil
	case KindInboundSpontaneous:
		return &InboundSpontaneous{}, nil
	case KindOutboundInvoice:
		return &OutboundInvoice{}, nil
	case KindOutboundSpontaneous:
		return &OutboundSpontaneous{}, nil
	default:
		return nil, fmt.Errorf("unknown payment kind %d", uint8(kind))
	}
}
