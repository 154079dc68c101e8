// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owgpio

import (
	"errors"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3/onewire"
)

// ErrSearchDone is returned by SearchNext once every device has been found.
var ErrSearchDone = errors.New("owgpio: search exhausted")

// maxConflictRetries is how many bus conflicts an enumeration session
// tolerates before giving up.
const maxConflictRetries = 3

// SearchState carries a ROM search across passes.
//
// Each pass walks the 64 bits of the ROM codes still responding. Where
// devices disagree a zero is written and the position is remembered; the next
// pass writes a one at that position, repeats the previous address before it
// and writes zeros after it. This steps through every address on the bus
// (Maxim application note 187 calls LastZeroBranch the "last discrepancy").
type SearchState struct {
	// LastZeroBranch is the highest bit position where the previous pass
	// chose zero among conflicting devices, -1 before the first pass.
	LastZeroBranch int8

	// Done is set once a pass saw no conflict left to explore.
	Done bool

	// Address is the ROM code found by the last pass, LSB first.
	Address [8]byte
}

// NewSearchState returns a state ready for the first pass.
func NewSearchState() *SearchState {
	return &SearchState{LastZeroBranch: -1}
}

// Reset restarts the search from the first pass.
func (s *SearchState) Reset() {
	*s = SearchState{LastZeroBranch: -1}
}

// ROM returns the address found by the last pass.
func (s *SearchState) ROM() onewire.Address {
	return common.Address(s.Address)
}

// Valid reports whether the address found by the last pass has a correct
// CRC.
func (s *SearchState) Valid() bool {
	return onewire.CheckCRC(s.Address[:])
}

// SearchNext runs one search pass with the given ROM command (0xf0 for all
// devices, 0xec for devices in alarm state) and leaves the address found in
// s.Address.
//
// It returns common.ErrNotFound when no device is present,
// common.ErrBusConflict when both a bit and its complement read as 1 and
// ErrSearchDone when s is exhausted. A pass aborted on a conflict leaves
// s.LastZeroBranch untouched so it can be retried. The address is not CRC
// checked here; see SearchState.Valid.
func (d *Dev) SearchNext(cmd byte, s *SearchState) error {
	d.Lock()
	defer d.Unlock()
	return d.searchNext(cmd, s)
}

func (d *Dev) searchNext(cmd byte, s *SearchState) error {
	if s.Done {
		return ErrSearchDone
	}
	present, err := d.Reset()
	if err != nil {
		return err
	}
	if !present {
		return common.ErrNotFound
	}
	if err := d.WriteByte(cmd); err != nil {
		return err
	}

	// Highest position where this pass chose zero among conflicting
	// devices; -1 means nothing left to explore.
	lastZero := int8(-1)
	for pos := int8(0); pos < 64; pos++ {
		idx, mask := pos/8, byte(1)<<uint(pos%8)
		v, err := d.ReadBit()
		if err != nil {
			return err
		}
		c, err := d.ReadBit()
		if err != nil {
			return err
		}

		var bit byte
		switch {
		case v != c:
			// Every responding device agrees.
			bit = v
		case v == 0:
			// Both values present.
			switch {
			case pos == s.LastZeroBranch:
				bit = 1
			case pos < s.LastZeroBranch:
				if s.Address[idx]&mask != 0 {
					bit = 1
				}
			}
			if bit == 0 {
				lastZero = pos
			}
		default:
			// Nobody pulled the line low.
			return common.ErrBusConflict
		}

		if bit == 0 {
			s.Address[idx] &^= mask
		} else {
			s.Address[idx] |= mask
		}
		// Devices whose bit differs drop out until the next reset.
		if err := d.WriteBit(bit); err != nil {
			return err
		}
	}

	if lastZero == -1 {
		s.Done = true
	} else {
		s.LastZeroBranch = lastZero
	}
	return nil
}

// Enumerate fills buf with the CRC-valid addresses found by repeated search
// passes and returns how many it found. It stops when the search is
// exhausted or buf is full.
//
// Addresses failing their CRC are skipped. A bus conflict aborts only the
// pass: the search restarts from scratch, and the session gives up when
// more than maxConflictRetries passes in a row conflict, returning what it
// collected with common.ErrBusConflict. With no device on the bus it returns
// common.ErrNotFound.
func (d *Dev) Enumerate(cmd byte, buf []onewire.Address) (int, error) {
	d.Lock()
	defer d.Unlock()
	found, err := d.enumerate(cmd, len(buf))
	return copy(buf, found), err
}

// Search implements onewire.Bus.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	d.Lock()
	defer d.Unlock()
	found, err := d.enumerate(cmd, -1)
	if alarmOnly && len(found) == 0 && (errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrBusConflict)) {
		// No device in alarm state is not a failure: nobody answers the
		// first bit.
		err = nil
	}
	return found, err
}

// enumerate collects up to limit addresses, or all of them when limit < 0.
func (d *Dev) enumerate(cmd byte, limit int) ([]onewire.Address, error) {
	var found []onewire.Address
	s := NewSearchState()
	conflicts := 0
	for limit < 0 || len(found) < limit {
		err := d.searchNext(cmd, s)
		switch {
		case err == nil:
			conflicts = 0
		case errors.Is(err, common.ErrBusConflict):
			conflicts++
			if conflicts > maxConflictRetries {
				return found, err
			}
			s.Reset()
			continue
		default:
			return found, err
		}
		if a := s.ROM(); s.Valid() && !contains(found, a) {
			found = append(found, a)
		}
		if s.Done {
			break
		}
	}
	return found, nil
}

// SearchTriplet performs a single bit search triplet: it reads a bit and its
// complement and writes the branch taken, direction when both values are
// present.
//
// SearchTriplet exists for onewire.Search; SearchNext is the native search.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.Lock()
	defer d.Unlock()
	v, err := d.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	c, err := d.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	tr := onewire.TripletResult{GotZero: v == 0, GotOne: c == 0}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		tr.Taken = 1
	}
	return tr, d.WriteBit(tr.Taken)
}

func contains(l []onewire.Address, a onewire.Address) bool {
	for _, v := range l {
		if v == a {
			return true
		}
	}
	return false
}
