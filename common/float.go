package common

import (
	"encoding/binary"
	"math/big"
)

const (
	// Float40BytesLength defines the length of the Float40 values
	// represented as byte arrays
	Float40BytesLength = 5
	// Float16BytesLength defines the length of the Float16 values
	// represented as byte arrays
	Float16BytesLength = 2
	// AmountBytesLength is the length of a full precision amount
	AmountBytesLength = 16
	// MaxAmountBits is the maximum number of bits of a balance or a full
	// precision amount
	MaxAmountBits = 128

	float40MantissaBits = 35
	float16MantissaBits = 11
	floatExponentMax    = 31

	// maxFloat40Value is the maximum value that the Float40 can have
	// (40 bits: maxFloat40Value=2**40-1)
	maxFloat40Value = 0xffffffffff
	maxFloat16Value = 0xffff
)

var ten = big.NewInt(10)

// Float40 represents an amount as a 35 bit mantissa and a 5 bit decimal
// exponent: value = m * 10^e, encoded as e<<35 | m
type Float40 uint64

// Float16 represents a fee as an 11 bit mantissa and a 5 bit decimal
// exponent: value = m * 10^e, encoded as e<<11 | m
type Float16 uint16

// encodeFloat returns the packed representation of f with mBits of mantissa
// and a 5 bit decimal exponent. Trailing zeros are moved to the exponent only
// while the mantissa does not fit, so the encoding of a value is unique.
func encodeFloat(f *big.Int, mBits uint) (uint64, error) {
	if f.Sign() < 0 {
		return 0, Wrap(ErrEncodingOverflow)
	}
	thres := new(big.Int).Lsh(big.NewInt(1), mBits)
	m := new(big.Int).Set(f)
	e := uint64(0)
	mod := new(big.Int)
	for m.Cmp(thres) >= 0 {
		q, r := new(big.Int).QuoRem(m, ten, mod)
		if r.Sign() != 0 {
			break
		}
		m = q
		e++
	}
	if e > floatExponentMax {
		return 0, Wrap(ErrEncodingOverflow)
	}
	if m.Cmp(thres) >= 0 {
		return 0, Wrap(ErrPrecisionLoss)
	}
	return e<<mBits | m.Uint64(), nil
}

// decodeFloat returns the value of a packed float
func decodeFloat(v uint64, mBits uint) *big.Int {
	m := new(big.Int).SetUint64(v & (1<<mBits - 1))
	e := new(big.Int).SetUint64(v >> mBits)
	exp := new(big.Int).Exp(ten, e, nil)
	return m.Mul(m, exp)
}

// floorFloat returns the biggest value lower or equal than f that can be
// packed with mBits of mantissa
func floorFloat(f *big.Int, mBits uint) (uint64, error) {
	if f.Sign() < 0 {
		return 0, Wrap(ErrEncodingOverflow)
	}
	thres := new(big.Int).Lsh(big.NewInt(1), mBits)
	m := new(big.Int).Set(f)
	e := uint64(0)
	for m.Cmp(thres) >= 0 {
		m.Div(m, ten)
		e++
	}
	if e > floatExponentMax {
		return 0, Wrap(ErrEncodingOverflow)
	}
	return e<<mBits | m.Uint64(), nil
}

// NewFloat40 encodes a *big.Int integer as a Float40, returning error in case
// of loss during the encoding.
func NewFloat40(f *big.Int) (Float40, error) {
	v, err := encodeFloat(f, float40MantissaBits)
	if err != nil {
		return 0, Wrap(err)
	}
	return Float40(v), nil
}

// NewFloat40Floor encodes a *big.Int integer as a Float40, rounding down in
// case of loss during the encoding.
func NewFloat40Floor(f *big.Int) (Float40, error) {
	v, err := floorFloat(f, float40MantissaBits)
	if err != nil {
		return 0, Wrap(err)
	}
	return Float40(v), nil
}

// BigInt converts the Float40 to a *big.Int integer
func (f40 Float40) BigInt() (*big.Int, error) {
	if f40 > maxFloat40Value {
		return nil, Wrap(ErrEncodingOverflow)
	}
	return decodeFloat(uint64(f40), float40MantissaBits), nil
}

// Bytes return a byte array of length 5 with the Float40 value encoded in
// BigEndian
func (f40 Float40) Bytes() ([]byte, error) {
	if f40 > maxFloat40Value {
		return []byte{}, Wrap(ErrEncodingOverflow)
	}
	var f40Bytes [8]byte
	binary.BigEndian.PutUint64(f40Bytes[:], uint64(f40))
	var b [Float40BytesLength]byte
	copy(b[:], f40Bytes[3:])
	return b[:], nil
}

// Float40FromBytes returns a Float40 from a byte array of 5 bytes.
func Float40FromBytes(b []byte) (Float40, error) {
	if len(b) < Float40BytesLength {
		return 0, Wrap(ErrInvalidLength)
	}
	var f40Bytes [8]byte
	copy(f40Bytes[3:], b[:Float40BytesLength])
	return Float40(binary.BigEndian.Uint64(f40Bytes[:])), nil
}

// NewFloat16 encodes a *big.Int integer as a Float16, returning error in case
// of loss during the encoding.
func NewFloat16(f *big.Int) (Float16, error) {
	v, err := encodeFloat(f, float16MantissaBits)
	if err != nil {
		return 0, Wrap(err)
	}
	return Float16(v), nil
}

// NewFloat16Floor encodes a *big.Int integer as a Float16, rounding down in
// case of loss during the encoding.
func NewFloat16Floor(f *big.Int) (Float16, error) {
	v, err := floorFloat(f, float16MantissaBits)
	if err != nil {
		return 0, Wrap(err)
	}
	return Float16(v), nil
}

// BigInt converts the Float16 to a *big.Int integer
func (f16 Float16) BigInt() *big.Int {
	return decodeFloat(uint64(f16), float16MantissaBits)
}

// Bytes return a byte array of length 2 with the Float16 value encoded in
// BigEndian
func (f16 Float16) Bytes() []byte {
	var b [Float16BytesLength]byte
	binary.BigEndian.PutUint16(b[:], uint16(f16))
	return b[:]
}

// Float16FromBytes returns a Float16 from a byte array of 2 bytes.
func Float16FromBytes(b []byte) (Float16, error) {
	if len(b) < Float16BytesLength {
		return 0, Wrap(ErrInvalidLength)
	}
	return Float16(binary.BigEndian.Uint16(b[:Float16BytesLength])), nil
}

// CheckAmount returns ErrEncodingOverflow if the amount is negative or does
// not fit in MaxAmountBits
func CheckAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > MaxAmountBits {
		return Wrap(ErrEncodingOverflow)
	}
	return nil
}

// AmountBytes returns the 16 byte big endian representation of a full
// precision amount
func AmountBytes(amount *big.Int) ([AmountBytesLength]byte, error) {
	var b [AmountBytesLength]byte
	if err := CheckAmount(amount); err != nil {
		return b, Wrap(err)
	}
	amount.FillBytes(b[:])
	return b, nil
}

// AmountFromBytes parses a 16 byte full precision amount
func AmountFromBytes(b []byte) (*big.Int, error) {
	if len(b) < AmountBytesLength {
		return nil, Wrap(ErrInvalidLength)
	}
	return new(big.Int).SetBytes(b[:AmountBytesLength]), nil
}

// IsPackableAmount returns true if the amount can be encoded as a Float40
// without loss
func IsPackableAmount(amount *big.Int) bool {
	_, err := NewFloat40(amount)
	return err == nil
}

// IsPackableFee returns true if the fee can be encoded as a Float16 without
// loss
func IsPackableFee(fee *big.Int) bool {
	_, err := NewFloat16(fee)
	return err == nil
}
