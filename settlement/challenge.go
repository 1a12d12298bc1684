package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	payflow "github.com/darkresearch/mallory-sub002"
)

// challengeSchema validates the 402 body exhaustively: all required fields
// must be present with the right types, and unknown fields are rejected
// rather than ignored, so a drifting server contract fails loudly.
const challengeSchemaJSON = `{
	"type": "object",
	"required": ["requiredAmount", "asset", "network", "payToAddress", "scheme"],
	"additionalProperties": false,
	"properties": {
		"requiredAmount": {"type": "integer", "minimum": 1},
		"asset": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"payToAddress": {"type": "string", "minLength": 1},
		"scheme": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	}
}`

var challengeSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(challengeSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid challenge schema: %v", err))
	}
	return s
}()

type challengeBody struct {
	RequiredAmount uint64 `json:"requiredAmount"`
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	PayToAddress   string `json:"payToAddress"`
	Scheme         string `json:"scheme"`
	Reason         string `json:"reason,omitempty"`
}

// parseChallenge validates and decodes a 402 response body. Any deviation
// from the expected shape is a fatal ChallengeParseError, never defaulted
// around.
func parseChallenge(body []byte) (payflow.PaymentChallenge, error) {
	if len(body) == 0 {
		return payflow.PaymentChallenge{}, payflow.NewError(payflow.PhaseSettlement,
			payflow.ErrCodeChallengeParse, "empty 402 response body")
	}

	result, err := challengeSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return payflow.PaymentChallenge{}, payflow.NewError(payflow.PhaseSettlement,
			payflow.ErrCodeChallengeParse, "402 body is not valid JSON").WithCause(err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return payflow.PaymentChallenge{}, payflow.NewError(payflow.PhaseSettlement,
			payflow.ErrCodeChallengeParse, "402 body failed validation").WithDetails(map[string]interface{}{
			"violations": details,
		})
	}

	var parsed challengeBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return payflow.PaymentChallenge{}, payflow.NewError(payflow.PhaseSettlement,
			payflow.ErrCodeChallengeParse, "402 body failed to decode").WithCause(err)
	}

	return payflow.PaymentChallenge{
		RequiredAmount: parsed.RequiredAmount,
		Asset:          parsed.Asset,
		Network:        payflow.Network(parsed.Network),
		PayTo:          parsed.PayToAddress,
		Scheme:         parsed.Scheme,
	}, nil
}

// rejectionReason pulls a machine-readable reason out of a rejection body,
// falling back to a truncated raw body.
func rejectionReason(body []byte) string {
	var decoded struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		if decoded.Reason != "" {
			return decoded.Reason
		}
		if decoded.Error != "" {
			return decoded.Error
		}
	}
	const maxRaw = 200
	if len(body) > maxRaw {
		body = body[:maxRaw]
	}
	return string(body)
}
