// Package identifier turns a phone number into the opaque ledger identifier
// used by the phone mapping contract.
package identifier

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nyaruka/phonenumbers"

	apperrors "github.com/phone-pay/internal/errors"
)

// DefaultRegion is used for numbers written without a leading '+'
const DefaultRegion = "US"

// Identifier is a normalized phone number and its keccak256 digest
type Identifier struct {
	Hash common.Hash
	E164 string
}

// Hex returns the 0x-prefixed lowercase digest
func (id Identifier) Hex() string {
	return id.Hash.Hex()
}

// IsZero reports whether the identifier is unset
func (id Identifier) IsZero() bool {
	return id.Hash == (common.Hash{})
}

// Deriver normalizes phone numbers against a default region
type Deriver struct {
	region string
}

// NewDeriver creates a deriver; an empty region falls back to DefaultRegion
func NewDeriver(region string) *Deriver {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = DefaultRegion
	}
	return &Deriver{region: region}
}

// Region returns the default region used for national-format input
func (d *Deriver) Region() string {
	return d.region
}

// Derive normalizes phoneNumber to E.164 and hashes it.
// Inputs that do not parse to a valid number yield an InvalidPhoneFormat error.
func (d *Deriver) Derive(phoneNumber string) (Identifier, error) {
	e164, err := d.Normalize(phoneNumber)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Hash: HashE164(e164), E164: e164}, nil
}

// Normalize returns the E.164 form of phoneNumber
func (d *Deriver) Normalize(phoneNumber string) (string, error) {
	raw := strings.TrimSpace(phoneNumber)
	if raw == "" {
		return "", apperrors.NewInvalidPhoneFormatError(phoneNumber, nil)
	}
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}

	num, err := phonenumbers.Parse(raw, d.region)
	if err != nil {
		return "", apperrors.NewInvalidPhoneFormatError(phoneNumber, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", apperrors.NewInvalidPhoneFormatError(phoneNumber, nil)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// HashE164 hashes an already normalized number
func HashE164(e164 string) common.Hash {
	return crypto.Keccak256Hash([]byte(e164))
}

var defaultDeriver = NewDeriver(DefaultRegion)

// Derive uses the default-region deriver
func Derive(phoneNumber string) (Identifier, error) {
	return defaultDeriver.Derive(phoneNumber)
}
