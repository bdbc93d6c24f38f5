package pricing

type Currency struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

var currencies = []Currency{
	{Code: "ARS", Name: "Argentine Peso", Symbol: "$"},
	{Code: "AUD", Name: "Australian Dollar", Symbol: "$"},
	{Code: "BRL", Name: "Brazilian Real", Symbol: "R$"},
	{Code: "CAD", Name: "Canadian Dollar", Symbol: "$"},
	{Code: "CHF", Name: "Swiss Franc", Symbol: "Fr"},
	{Code: "CLP", Name: "Chilean Peso", Symbol: "$"},
	{Code: "COP", Name: "Colombian Peso", Symbol: "$"},
	{Code: "CUP", Name: "Cuban Peso", Symbol: "$"},
	{Code: "EUR", Name: "Euro", Symbol: "€"},
	{Code: "GBP", Name: "Pound Sterling", Symbol: "£"},
	{Code: "GTQ", Name: "Guatemalan Quetzal", Symbol: "Q"},
	{Code: "INR", Name: "Indian Rupee", Symbol: "₹"},
	{Code: "JPY", Name: "Japanese Yen", Symbol: "¥"},
	{Code: "MXN", Name: "Mexican Peso", Symbol: "$"},
	{Code: "NGN", Name: "Nigerian Naira", Symbol: "₦"},
	{Code: "PEN", Name: "Peruvian Sol", Symbol: "S/"},
	{Code: "USD", Name: "US Dollar", Symbol: "$"},
	{Code: "UYU", Name: "Uruguayan Peso", Symbol: "$"},
	{Code: "VES", Name: "Venezuelan Bolivar", Symbol: "Bs"},
	{Code: "ZAR", Name: "South African Rand", Symbol: "R"},
}

// List returns the supported fiat currencies.
func List() []Currency {
	out := make([]Currency, len(currencies))
	copy(out, currencies)
	return out
}

func IsSupported(code string) bool {
	for _, c := range currencies {
		if c.Code == code {
			return true
		}
	}
	return false
}
