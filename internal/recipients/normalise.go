// Package recipients validates and normalises destinations and parses
// uploaded recipient lists.
package recipients

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/nyaruka/phonenumbers"
)

// Normaliser turns raw destinations into domain recipients.
type Normaliser struct {
	region     string
	regionCode int
	validate   *validator.Validate
}

// NewNormaliser parses numbers without a leading + as belonging to
// defaultRegion (ISO 3166 alpha-2).
func NewNormaliser(defaultRegion string) (*Normaliser, error) {
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	code := phonenumbers.GetCountryCodeForRegion(region)
	if code == 0 {
		return nil, fmt.Errorf("unknown phone region %q", defaultRegion)
	}

	return &Normaliser{
		region:     region,
		regionCode: code,
		validate:   validator.New(),
	}, nil
}

// Normalise validates raw for the channel t.
func (n *Normaliser) Normalise(t domain.NotificationType, raw string) (domain.Recipient, error) {
	switch t {
	case domain.TypeSMS:
		return n.Phone(raw)
	case domain.TypeEmail:
		return n.Email(raw)
	default:
		return nil, fmt.Errorf("%w: unsupported notification type %q", domain.ErrValidation, t)
	}
}

func (n *Normaliser) Phone(raw string) (domain.SMSRecipient, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return domain.SMSRecipient{}, fmt.Errorf("%w: phone number is required", domain.ErrValidation)
	}

	num, err := phonenumbers.Parse(cleaned, n.region)
	if err != nil {
		return domain.SMSRecipient{}, fmt.Errorf("%w: invalid phone number: %v", domain.ErrValidation, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return domain.SMSRecipient{}, fmt.Errorf("%w: invalid phone number", domain.ErrValidation)
	}

	code := int(num.GetCountryCode())
	return domain.SMSRecipient{
		Number:        phonenumbers.Format(num, phonenumbers.E164),
		Prefix:        strconv.Itoa(code),
		International: code != n.regionCode,
	}, nil
}

func (n *Normaliser) Email(raw string) (domain.EmailRecipient, error) {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if err := n.validate.Var(cleaned, "required,email"); err != nil {
		return domain.EmailRecipient{}, fmt.Errorf("%w: invalid email address", domain.ErrValidation)
	}
	return domain.EmailRecipient{Email: cleaned}, nil
}
