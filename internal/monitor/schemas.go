package monitor

// Contract names.
const (
	ContractStartSession         = "start_session"
	ContractShipping             = "shipping"
	ContractPay                  = "pay"
	ContractConfirmCard          = "confirm_card"
	ContractApproveWallet        = "approve_wallet"
	ContractLocalPayNotification = "localpay_notification"
)

const moneyPattern = `^[0-9]+(\\.[0-9]{1,2})?$`

const startSessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "StartCheckoutSession",
  "type": "object",
  "required": ["cart"],
  "properties": {
    "cart": {
      "type": "object",
      "required": ["currency", "items"],
      "properties": {
        "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
        "items": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["productId", "quantity", "unitPrice"],
            "properties": {
              "productId": {"type": "string", "minLength": 1},
              "title": {"type": "string"},
              "quantity": {"type": "integer"},
              "unitPrice": {"type": "string", "pattern": "` + moneyPattern + `"},
              "imageRef": {"type": "string"}
            }
          }
        }
      }
    },
    "shipping": {"type": "object"}
  }
}`

const shippingSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ShippingInfo",
  "type": "object",
  "properties": {
    "fullName": {"type": "string"},
    "phone": {"type": "string"},
    "address": {"type": "string"},
    "city": {"type": "string"},
    "country": {"type": "string"},
    "postalCode": {"type": "string"}
  },
  "additionalProperties": false
}`

const paySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "StartPayment",
  "type": "object",
  "required": ["gateway"],
  "properties": {
    "gateway": {"type": "string", "enum": ["wallet_redirect", "local_gateway_a", "local_gateway_b", "hosted_card_element"]}
  }
}`

const confirmCardSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ConfirmCard",
  "type": "object",
  "required": ["paymentMethodId"],
  "properties": {
    "paymentMethodId": {"type": "string", "minLength": 1}
  }
}`

const approveWalletSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ApproveWallet",
  "type": "object",
  "required": ["orderId"],
  "properties": {
    "orderId": {"type": "string", "minLength": 1},
    "payerId": {"type": "string"}
  }
}`

const localPayNotificationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "LocalPayNotification",
  "type": "object",
  "required": ["paymentId", "orderId", "status"],
  "properties": {
    "paymentId": {"type": "string", "minLength": 1},
    "orderId": {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "amount": {"type": "string", "pattern": "` + moneyPattern + `"},
    "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "reason": {"type": "string"}
  },
  "if": {
    "properties": {"status": {"enum": ["paid", "success", "completed"]}}
  },
  "then": {
    "required": ["amount", "currency"]
  }
}`

// DefaultSchemas returns the built-in contract schemas keyed by name.
func DefaultSchemas() map[string]string {
	return map[string]string{
		ContractStartSession:         startSessionSchema,
		ContractShipping:             shippingSchema,
		ContractPay:                  paySchema,
		ContractConfirmCard:          confirmCardSchema,
		ContractApproveWallet:        approveWalletSchema,
		ContractLocalPayNotification: localPayNotificationSchema,
	}
}
