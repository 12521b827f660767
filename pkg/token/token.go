// Package token issues and checks job authorization tokens.
//
// A token is handed to the client that a job was dispatched to.
// It pins the job ID, the job passport, and the number of job events at the time of dispatch.
// Results, failures and returns must present it back.
package token

import (
	"encoding/binary"
	"fmt"
)

// Payload identifies a single lease of a job.
type Payload struct {
	JobID    uint32
	Passport uint32 // random value chosen at submit time
	Events   uint32 // job event count after the dispatch
}

// PayloadSize is the serialized size of Payload.
const PayloadSize = 12

// Serialize packs the Payload to binary.
func (p *Payload) Serialize() []byte {
	b := make([]byte, PayloadSize)
	binary.BigEndian.PutUint32(b[0:4], p.JobID)
	binary.BigEndian.PutUint32(b[4:8], p.Passport)
	binary.BigEndian.PutUint32(b[8:12], p.Events)
	return b
}

// Deserialize unpacks binary to a payload.
func (p *Payload) Deserialize(b []byte) error {
	if len(b) != PayloadSize {
		return fmt.Errorf("invalid length: %d", len(b))
	}
	p.JobID = binary.BigEndian.Uint32(b[0:4])
	p.Passport = binary.BigEndian.Uint32(b[4:8])
	p.Events = binary.BigEndian.Uint32(b[8:12])
	return nil
}
