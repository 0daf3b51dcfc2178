package usermem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotFixedSize = errors.New("type has no fixed binary size")
	ErrUnvalidated  = errors.New("store through an unvalidated destination")
)

// Out is a writable destination for a T in user memory.
//
// The only way to get a usable Out is Translate, so holding one means the address range was checked. Kernel
// code receiving an Out never has to look at the raw address again.
type Out[T any] struct {
	space *Space
	addr  uint64
	size  int
}

// Translate validates that a T can be written at addr in space.
func Translate[T any](space *Space, addr uint64) (Out[T], error) {
	var zero T

	size := binary.Size(zero)
	if size <= 0 {
		return Out[T]{}, fmt.Errorf("%w: %T", ErrNotFixedSize, zero)
	}

	if err := space.check(addr, uint64(size), PermWrite); err != nil {
		return Out[T]{}, fmt.Errorf("failed to translate %#x: %w", addr, err)
	}

	return Out[T]{space: space, addr: addr, size: size}, nil
}

func (o Out[T]) Addr() uint64 {
	return o.addr
}

func (o Out[T]) Valid() bool {
	return o.space != nil
}

// Store encodes v little endian at the destination.
//
// Storing through a zero Out panics: it means a caller skipped Translate.
func (o Out[T]) Store(v T) {
	if o.space == nil {
		panic(ErrUnvalidated)
	}

	var buf bytes.Buffer
	buf.Grow(o.size)

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Errorf("failed to encode %T: %w", v, err))
	}

	// regions are never unmapped, so a range that translated stays writable
	if err := o.space.WriteBytes(o.addr, buf.Bytes()); err != nil {
		panic(fmt.Errorf("failed to store %T at %#x: %w", v, o.addr, err))
	}
}

// Load decodes a T from user memory at addr.
func Load[T any](space *Space, addr uint64) (T, error) {
	var v T

	size := binary.Size(v)
	if size <= 0 {
		return v, fmt.Errorf("%w: %T", ErrNotFixedSize, v)
	}

	bts, err := space.ReadBytes(addr, size)
	if err != nil {
		return v, fmt.Errorf("failed to read %T at %#x: %w", v, addr, err)
	}

	if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}

	return v, nil
}
