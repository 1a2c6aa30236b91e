package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// PAYMENT RECORD - Tolerant decoding of persisted payment lists
// =============================================================================
//
// Older rows store a payment list that mixes objects with bare transaction id
// strings:
//
//	["TX-001", {"transaction_id": "TX-002", "amount": 500, "applied_at": "..."}]
//
// A bare string carries no amount. NormalizePayments assigns it the part of
// PaidAmount not covered by the object entries. Writers always emit objects.

// PaymentRecord is one persisted payment entry in either shape.
type PaymentRecord struct {
	Legacy bool // decoded from a bare transaction id string
	Entry  PaymentEntry
}

type paymentWire struct {
	TransactionID TransactionID `json:"transaction_id"`
	Amount        Money         `json:"amount"`
	AppliedAt     time.Time     `json:"applied_at"`
}

// UnmarshalJSON accepts a bare string or an object.
func (r *PaymentRecord) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("payment record: empty transaction id")
		}
		*r = PaymentRecord{Legacy: true, Entry: PaymentEntry{TransactionID: TransactionID(id)}}
		return nil
	}

	var w paymentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("payment record: %w", err)
	}
	if w.TransactionID == "" {
		return fmt.Errorf("payment record: missing transaction_id")
	}
	*r = PaymentRecord{Entry: PaymentEntry(w)}
	return nil
}

// MarshalJSON always writes the canonical object form.
func (r PaymentRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(paymentWire(r.Entry))
}

// NormalizePayments converts decoded records into canonical entries whose
// amounts sum to paidAmount.
func NormalizePayments(records []PaymentRecord, paidAmount Money) ([]PaymentEntry, error) {
	var covered Money
	legacy := 0
	for _, r := range records {
		if r.Legacy {
			legacy++
			continue
		}
		covered += r.Entry.Amount
	}

	residual := paidAmount - covered
	switch {
	case residual < 0:
		return nil, fmt.Errorf("payment entries sum %d exceeds paid amount %d", covered, paidAmount)
	case legacy == 0 && residual != 0:
		return nil, fmt.Errorf("payment entries sum %d does not match paid amount %d", covered, paidAmount)
	case legacy > 1 && residual != 0:
		return nil, fmt.Errorf("cannot split residual %d across %d legacy payment entries", residual, legacy)
	}

	entries := make([]PaymentEntry, 0, len(records))
	for _, r := range records {
		e := r.Entry
		if r.Legacy {
			e.Amount = residual
			residual = 0
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DecodePayments parses a persisted payment list and normalizes it.
func DecodePayments(data []byte, paidAmount Money) ([]PaymentEntry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NormalizePayments(nil, paidAmount)
	}
	var records []PaymentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode payments: %w", err)
	}
	return NormalizePayments(records, paidAmount)
}

// EncodePayments writes entries in the canonical object form.
func EncodePayments(entries []PaymentEntry) ([]byte, error) {
	records := make([]PaymentRecord, len(entries))
	for i, e := range entries {
		records[i] = PaymentRecord{Entry: e}
	}
	return json.Marshal(records)
}
