package fixtures

import (
	"github.com/bitsacco/txengine/internal/model"
)

// TestLimits is a small bounds table used across suites: mobile-money
// deposits need at least 100 cents, everything else is unbounded.
func TestLimits() model.Limits {
	return model.Limits{
		Bounds: map[model.TxContext]map[model.PaymentMethod]model.AmountBounds{
			model.ContextPersonal: {
				model.MethodMobileMoney: {Min: 100, Max: 15_000_000},
				model.MethodLightning:   {Min: 10},
			},
			model.ContextChama: {
				model.MethodMobileMoney: {Min: 100, Max: 25_000_000},
				model.MethodLightning:   {Min: 10},
			},
			model.ContextMembership: {
				model.MethodMobileMoney: {Min: 10_000, Max: 50_000_000},
				model.MethodLightning:   {Min: 1_000},
			},
		},
	}
}

func PersonalDepositRequest(amount int64) model.CreateRequest {
	return model.CreateRequest{
		Context:       model.ContextPersonal,
		Type:          model.TypeDeposit,
		Amount:        model.NewMoney(amount, model.KES),
		PaymentMethod: model.MethodMobileMoney,
		TargetID:      "wallet-1",
		InitiatorID:   "user-1",
		Metadata: model.Metadata{
			MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"},
		},
	}
}

func PersonalLightningDepositRequest(sats int64) model.CreateRequest {
	return model.CreateRequest{
		Context:       model.ContextPersonal,
		Type:          model.TypeDeposit,
		Amount:        model.NewMoney(sats, model.SAT),
		PaymentMethod: model.MethodLightning,
		TargetID:      "wallet-1",
		InitiatorID:   "user-1",
		Metadata: model.Metadata{
			Lightning: &model.LightningMetadata{},
		},
	}
}

func ChamaWithdrawalRequest(amount int64, chamaID, initiatorID string) model.CreateRequest {
	return model.CreateRequest{
		Context:       model.ContextChama,
		Type:          model.TypeWithdrawal,
		Amount:        model.NewMoney(amount, model.KES),
		PaymentMethod: model.MethodMobileMoney,
		TargetID:      chamaID,
		InitiatorID:   initiatorID,
		Metadata: model.Metadata{
			MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"},
		},
	}
}

func ShareSubscriptionRequest(quantity int64) model.CreateRequest {
	return model.CreateRequest{
		Context:     model.ContextMembership,
		Type:        model.TypeShareSubscription,
		Amount:      model.NewMoney(quantity*10_000, model.KES),
		TargetID:    "member-1",
		InitiatorID: "user-1",
		Metadata: model.Metadata{
			ShareOffer: &model.ShareOfferMetadata{OfferRef: "offer-2026-q1", Quantity: quantity},
		},
	}
}

var (
	ValidPhoneNumbers = []string{
		"+254712345678",
		"+254733001122",
		"+255754000111",
	}

	InvalidPhoneNumbers = []string{
		"",
		"123",
		"invalid",
		"+",
	}
)
