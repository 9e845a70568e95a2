package model

import (
	"errors"
	"fmt"
	"regexp"
)

// Metadata is the context/type-specific payload of a transaction, modelled
// as a closed tagged union: exactly the member matching the transaction's
// context, type, and payment method may be set. Downstream code never needs
// to nil-check fields that cannot apply.
type Metadata struct {
	MobileMoney   *MobileMoneyMetadata   `json:"mobile_money,omitempty"`
	Lightning     *LightningMetadata     `json:"lightning,omitempty"`
	ShareOffer    *ShareOfferMetadata    `json:"share_offer,omitempty"`
	ShareTransfer *ShareTransferMetadata `json:"share_transfer,omitempty"`
}

type MobileMoneyMetadata struct {
	PhoneNumber string `json:"phone_number"`
}

type LightningMetadata struct {
	// Invoice is filled by the adapter at initiation, empty before.
	Invoice string `json:"invoice,omitempty"`
}

type ShareOfferMetadata struct {
	OfferRef string `json:"offer_ref"`
	Quantity int64  `json:"quantity"`
}

type ShareTransferMetadata struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Quantity      int64  `json:"quantity"`
}

var (
	// personalPhonePattern accepts Kenyan mobile numbers in E.164 form.
	personalPhonePattern = regexp.MustCompile(`^\+254[17]\d{8}$`)
	// businessPhonePattern additionally accepts short business paybill
	// numbers, which chama wallets settle through.
	businessPhonePattern = regexp.MustCompile(`^(\+254[17]\d{8}|[0-9]{5,7})$`)
)

// ValidatePhone checks a mobile-money destination against the numbering
// rules of the context: chamas may use business paybill numbers, personal
// and membership contexts require a subscriber number.
func ValidatePhone(c TxContext, phone string) error {
	if phone == "" {
		return errors.New("phone number is required")
	}
	pattern := personalPhonePattern
	if c == ContextChama {
		pattern = businessPhonePattern
	}
	if !pattern.MatchString(phone) {
		return fmt.Errorf("phone number %q is not valid for %s context", phone, c)
	}
	return nil
}

// members returns which union members are set, for exhaustive validation.
func (m Metadata) members() int {
	n := 0
	if m.MobileMoney != nil {
		n++
	}
	if m.Lightning != nil {
		n++
	}
	if m.ShareOffer != nil {
		n++
	}
	if m.ShareTransfer != nil {
		n++
	}
	return n
}

// Validate checks the union against the context/type/method pairing.
func (m Metadata) Validate(c TxContext, t TxType, method PaymentMethod) error {
	switch {
	case NeedsPaymentMethod(t) && method == MethodMobileMoney:
		if m.MobileMoney == nil || m.members() != 1 {
			return errors.New("mobile_money metadata is required for this transaction")
		}
		return ValidatePhone(c, m.MobileMoney.PhoneNumber)

	case NeedsPaymentMethod(t) && method == MethodLightning:
		if m.Lightning == nil || m.members() != 1 {
			return errors.New("lightning metadata is required for this transaction")
		}
		return nil

	case t == TypeShareOffer || t == TypeShareSubscription:
		if m.ShareOffer == nil || m.members() != 1 {
			return errors.New("share_offer metadata is required for share operations")
		}
		if m.ShareOffer.OfferRef == "" {
			return errors.New("offer_ref is required")
		}
		if m.ShareOffer.Quantity <= 0 {
			return errors.New("share quantity must be positive")
		}
		return nil

	case t == TypeTransfer:
		if m.ShareTransfer != nil {
			return errors.New("share_transfer metadata is only valid in membership context")
		}
		if m.members() != 0 {
			return errors.New("transfers carry no rail metadata")
		}
		return nil
	}
	return fmt.Errorf("no metadata shape defined for context=%s type=%s", c, t)
}
