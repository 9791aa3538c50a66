package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for changing the algorithm later.
const (
	DomainRecord      = "cascade/record/v1"
	DomainSignature   = "cascade/signature/v1"
	DomainCombination = "cascade/combination/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID computes the content-addressed id of an action record.
// seq makes two invocations with identical inputs distinct.
func RecordID(flowID string, seq int64, concept, action string, input IRObject) (string, error) {
	obj := IRObject{
		"flow_id": IRString(flowID),
		"seq":     IRInt(seq),
		"concept": IRString(concept),
		"action":  IRString(action),
		"input":   nonNil(input),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("record id: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// Signature computes the loop-prevention key of an invocation.
// Two inputs that differ only in field order have the same signature.
func Signature(concept, action string, input IRObject) (string, error) {
	obj := IRObject{
		"concept": IRString(concept),
		"action":  IRString(action),
		"input":   nonNil(input),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("signature: %w", err)
	}
	return hashWithDomain(DomainSignature, canonical), nil
}

// CombinationKey identifies one consumed fact combination of a rule.
// Journals use it as the uniqueness key of a firing.
func CombinationKey(rule string, recordIDs []string) string {
	ids := make(IRArray, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = IRString(id)
	}
	canonical := MustMarshalCanonical(IRObject{
		"rule":    IRString(rule),
		"records": ids,
	})
	return hashWithDomain(DomainCombination, canonical)
}

func nonNil(obj IRObject) IRObject {
	if obj == nil {
		return IRObject{}
	}
	return obj
}
