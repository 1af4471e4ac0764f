package events

import (
	"github.com/shopspring/decimal"
)

// TopicInvoiceCreated is emitted once an invoice and its lines are committed.
const TopicInvoiceCreated = "invoice.created"

// InvoiceLine is the line shape carried by invoice events.
type InvoiceLine struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	ProductCode string          `json:"productCode"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	GSTAmount   decimal.Decimal `json:"gstAmount"`
	Total       decimal.Decimal `json:"total"`
}

// InvoiceCreated is the payload of TopicInvoiceCreated.
type InvoiceCreated struct {
	InvoiceID     string          `json:"invoiceId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	AccountID     string          `json:"accountId"`
	CustomerName  string          `json:"customerName"`
	CustomerEmail string          `json:"customerEmail"`
	PriceBook     string          `json:"priceBook"`
	BillingMode   string          `json:"billingMode"`
	Lines         []InvoiceLine   `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalGST      decimal.Decimal `json:"totalGst"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
	SendEmail     bool            `json:"sendEmail"`
	CashierID     string          `json:"cashierId,omitempty"`
}
