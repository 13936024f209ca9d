package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var (
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrUnsupportedLineType = errors.New("phone line type cannot receive messages")
)

// Phone is a validated destination.
type Phone struct {
	E164     string `json:"e164"`
	Digits   string `json:"digits"`
	LineType string `json:"lineType"`
}

// PhoneValidator normalizes a free-form destination.
type PhoneValidator interface {
	Validate(raw string) (Phone, error)
}

// NumberValidator validates numbers with libphonenumber metadata.
type NumberValidator struct {
	region string
}

// NewPhoneValidator returns a validator that parses national numbers in region.
func NewPhoneValidator(region string) *NumberValidator {
	return &NumberValidator{region: strings.ToUpper(region)}
}

// Validate parses raw and rejects numbers that are malformed or not reachable
// by the messaging network.
func (v *NumberValidator) Validate(raw string) (Phone, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Phone{}, fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	num, err := phonenumbers.Parse(raw, v.region)
	if err != nil {
		return Phone{}, fmt.Errorf("%w: %s: %v", ErrInvalidPhone, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return Phone{}, fmt.Errorf("%w: %s", ErrInvalidPhone, raw)
	}

	lineType := phonenumbers.GetNumberType(num)
	if !messageable(lineType) {
		return Phone{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedLineType, raw, lineTypeName(lineType))
	}

	e164 := phonenumbers.Format(num, phonenumbers.E164)
	return Phone{
		E164:     e164,
		Digits:   strings.TrimPrefix(e164, "+"),
		LineType: lineTypeName(lineType),
	}, nil
}

func messageable(t phonenumbers.PhoneNumberType) bool {
	switch t {
	case phonenumbers.MOBILE,
		phonenumbers.FIXED_LINE_OR_MOBILE,
		phonenumbers.VOIP,
		phonenumbers.PERSONAL_NUMBER:
		return true
	default:
		return false
	}
}

func lineTypeName(t phonenumbers.PhoneNumberType) string {
	switch t {
	case phonenumbers.MOBILE:
		return "mobile"
	case phonenumbers.FIXED_LINE:
		return "landline"
	case phonenumbers.FIXED_LINE_OR_MOBILE:
		return "fixed_or_mobile"
	case phonenumbers.VOIP:
		return "voip"
	case phonenumbers.PERSONAL_NUMBER:
		return "personal"
	case phonenumbers.TOLL_FREE:
		return "toll_free"
	case phonenumbers.PREMIUM_RATE:
		return "premium_rate"
	case phonenumbers.SHARED_COST:
		return "shared_cost"
	case phonenumbers.PAGER:
		return "pager"
	case phonenumbers.UAN:
		return "uan"
	case phonenumbers.VOICEMAIL:
		return "voicemail"
	default:
		return "unknown"
	}
}
