package catalog

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

type seedBook struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
	Qty       int             `json:"qty"`
	SoldTimes int             `json:"soldTimes"`
}

// ParseSeed decodes a JSON array of seed books.
func ParseSeed(data []byte) ([]Book, error) {
	var raw []seedBook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode seed books")
	}

	books := make([]Book, len(raw))
	for i, b := range raw {
		if b.ID == "" {
			return nil, errors.Errorf("seed book %d: id is required", i)
		}
		if b.Price.IsNegative() || b.Qty < 0 || b.SoldTimes < 0 {
			return nil, errors.Errorf("seed book %s: negative price or quantity", b.ID)
		}
		books[i] = Book{
			ID:           b.ID,
			Title:        b.Title,
			Image:        b.Image,
			Price:        b.Price,
			AvailableQty: b.Qty,
			SoldCount:    b.SoldTimes,
		}
	}
	return books, nil
}
