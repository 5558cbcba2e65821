package fulfillment

// Product is the provider's catalog record. Only the fields the catalog mirrors are decoded.
type Product struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Tags            []string  `json:"tags"`
	BlueprintID     int       `json:"blueprint_id"`
	PrintProviderID int       `json:"print_provider_id"`
	Visible         bool      `json:"visible"`
	Variants        []Variant `json:"variants"`
	Images          []Image   `json:"images"`
}

type Variant struct {
	ID          int64  `json:"id"`
	SKU         string `json:"sku"`
	Title       string `json:"title"`
	Price       int64  `json:"price"`
	Cost        int64  `json:"cost"`
	IsEnabled   bool   `json:"is_enabled"`
	IsAvailable bool   `json:"is_available"`
}

type Image struct {
	Src        string  `json:"src"`
	VariantIDs []int64 `json:"variant_ids"`
	Position   string  `json:"position"`
	IsDefault  bool    `json:"is_default"`
}

// ProductPage is one page of the paginated product listing
type ProductPage struct {
	CurrentPage int       `json:"current_page"`
	LastPage    int       `json:"last_page"`
	PerPage     int       `json:"per_page"`
	Total       int       `json:"total"`
	Data        []Product `json:"data"`
}

// OrderRequest is the body of an order submission
type OrderRequest struct {
	ExternalID               string     `json:"external_id"`
	Label                    string     `json:"label,omitempty"`
	LineItems                []LineItem `json:"line_items"`
	ShippingMethod           int        `json:"shipping_method"`
	SendShippingNotification bool       `json:"send_shipping_notification"`
	AddressTo                AddressTo  `json:"address_to"`
}

type LineItem struct {
	ProductID string `json:"product_id"`
	VariantID int64  `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type AddressTo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country"`
	Region    string `json:"region,omitempty"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city"`
	Zip       string `json:"zip"`
}

// OrderResult is the provider's acknowledgement of a submitted order
type OrderResult struct {
	ID string `json:"id"`
}
