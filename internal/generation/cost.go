package generation

// DefaultCost is charged for any model/resolution pair missing from the
// price table. Unknown pairs are priced, not rejected.
const DefaultCost = 10

type priceKey struct {
	model      string
	resolution string
}

var priceTable = map[priceKey]int{
	{"t2v-14B", "720p"}:  20,
	{"t2v-14B", "480p"}:  10,
	{"t2v-1.3B", "480p"}: 5,
	{"i2v-14B", "720p"}:  25,
	{"i2v-14B", "480p"}:  15,
}

// Cost returns the credit price for generating with model at resolution.
func Cost(model, resolution string) int {
	if c, ok := priceTable[priceKey{model, resolution}]; ok {
		return c
	}
	return DefaultCost
}

// Price is one row of the price table.
type Price struct {
	Model      string `json:"model"`
	Resolution string `json:"resolution"`
	Credits    int    `json:"credits"`
}

// PriceList is the price table in a stable order, for display.
func PriceList() []Price {
	var list []Price
	for _, m := range append(append([]Model{}, TextToVideoModels...), ImageToVideoModels...) {
		for _, r := range Resolutions {
			if c, ok := priceTable[priceKey{string(m), string(r)}]; ok {
				list = append(list, Price{Model: string(m), Resolution: string(r), Credits: c})
			}
		}
	}
	return list
}
