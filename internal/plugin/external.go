package plugin

import (
	"context"
)

// ExternalPaymentPluginName is the plugin recording payments made outside any gateway.
const ExternalPaymentPluginName = "__EXTERNAL_PAYMENT__"

// ExternalPaymentPlugin processes every request as given. It records
// payments received by cheque, wire and the like.
type ExternalPaymentPlugin struct{}

// Name implements Plugin.
func (ExternalPaymentPlugin) Name() string {
	return ExternalPaymentPluginName
}

// Execute implements Plugin.
func (ExternalPaymentPlugin) Execute(_ context.Context, req *Request) (*Result, error) {
	return &Result{
		Status:             StatusProcessed,
		ProcessedAmount:    req.Amount,
		ProcessedCurrency:  req.Currency,
		GatewayReferenceID: req.ExternalKey,
	}, nil
}
