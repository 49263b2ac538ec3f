package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent = "busprobe/event/v1"
	DomainTrace = "busprobe/trace/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventObject returns the canonical object form of an event: every field
// that identifies the occurrence, without the transport handle and without
// the handled flag.
func EventObject(e *Event) (IRObject, error) {
	args, err := FromGo(e.Args)
	if err != nil {
		return nil, fmt.Errorf("event %d args: %w", e.Seq, err)
	}
	obj := IRObject{
		"seq":  IRInt(e.Seq),
		"kind": IRString(e.Kind.String()),
		"args": args,
	}
	optional := map[string]string{
		"interface":   e.Interface,
		"member":      e.Member,
		"path":        e.Path,
		"sender":      e.Sender,
		"destination": e.Destination,
		"error_name":  e.ErrorName,
	}
	for k, v := range optional {
		if v != "" {
			obj[k] = IRString(v)
		}
	}
	if e.Serial != 0 {
		obj["serial"] = IRInt(e.Serial)
	}
	if e.ReplySerial != 0 {
		obj["reply_serial"] = IRInt(e.ReplySerial)
	}
	return obj, nil
}

// EventDigest computes the content-addressed identity of an event.
func EventDigest(e *Event) (string, error) {
	obj, err := EventObject(e)
	if err != nil {
		return "", err
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventDigest: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// TraceDigest hashes an already canonical trace document.
func TraceDigest(canonical []byte) string {
	return hashWithDomain(DomainTrace, canonical)
}
