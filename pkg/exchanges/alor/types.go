package alor

// Position is one row of the portfolio positions report (format=Simple).
type Position struct {
	Symbol        string  `json:"symbol"`
	BrokerSymbol  string  `json:"brokerSymbol"`
	Exchange      string  `json:"exchange"`
	Portfolio     string  `json:"portfolio"`
	Qty           float64 `json:"qty"`
	QtyUnits      float64 `json:"qtyUnits"`
	AvgPrice      float64 `json:"avgPrice"`
	IsCurrency    bool    `json:"isCurrency"`
	UnrealisedPnl float64 `json:"unrealisedPl"`
}

// Quote is the top of book for a symbol.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Ask       float64 `json:"ask"`
	Bid       float64 `json:"bid"`
	LastPrice float64 `json:"last_price"`
}

// Security carries the instrument parameters needed to price orders.
type Security struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	MinStep  float64 `json:"minstep"`
	LotSize  float64 `json:"lotsize"`
}

type instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

type user struct {
	Portfolio string `json:"portfolio"`
}

type orderRequest struct {
	Side        string     `json:"side"`
	Type        string     `json:"type,omitempty"`
	Quantity    float64    `json:"quantity"`
	Price       float64    `json:"price,omitempty"`
	Instrument  instrument `json:"instrument"`
	User        user       `json:"user"`
	TimeInForce string     `json:"timeInForce,omitempty"`
}

type orderResponse struct {
	Message     string `json:"message"`
	OrderNumber string `json:"orderNumber"`
}

type refreshResponse struct {
	AccessToken string `json:"AccessToken"`
}
