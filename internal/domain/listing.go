package domain

import "fmt"

// Origin indica si una entidad local viene del servidor o es un placeholder
// optimista todavía sin confirmar.
type Origin string

const (
	OriginAuthoritative Origin = "authoritative"
	OriginOptimistic    Origin = "optimistic"
)

// Listing es un dominio listado a la venta en el orderbook.
type Listing struct {
	ID       string `json:"id"`
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`    // en unidades mínimas de la moneda (wei)
	Currency string `json:"currency"` // símbolo o address del ERC-20
	Seller   string `json:"seller"`
	Active   bool   `json:"active"`
	Seq      int64  `json:"seq,omitempty"`
	Origin   Origin `json:"-"`
	TempID   string `json:"-"` // solo para placeholders optimistas
}

// Offer es una oferta de compra sobre un dominio.
type Offer struct {
	ID       string `json:"id"`
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Buyer    string `json:"buyer"`
	Active   bool   `json:"active"`
	Seq      int64  `json:"seq,omitempty"`
	Origin   Origin `json:"-"`
	TempID   string `json:"-"`
}

// LeaderboardEntry es una fila del leaderboard de traders.
type LeaderboardEntry struct {
	Address string  `json:"address"`
	Volume  float64 `json:"volume"`
	Trades  int     `json:"trades"`
	Rank    int     `json:"rank"`
}

// AssetKey identifica el activo (contract + tokenId) de un listing u offer.
func AssetKey(contract, tokenID string) string {
	return contract + "/" + tokenID
}

// Asset devuelve la AssetKey del listing.
func (l Listing) Asset() string { return AssetKey(l.Contract, l.TokenID) }

// Asset devuelve la AssetKey de la oferta.
func (o Offer) Asset() string { return AssetKey(o.Contract, o.TokenID) }

// ListingFromEvent decodifica un listing de un evento listing_*.
// Los eventos no traen "active"; un listing_created siempre es activo.
func ListingFromEvent(ev Event) (Listing, error) {
	var l Listing
	if err := ev.Decode(&l); err != nil {
		return Listing{}, fmt.Errorf("domain.ListingFromEvent: %w", err)
	}
	if l.ID == "" {
		l.ID = ev.ID
	}
	if l.ID == "" {
		return Listing{}, fmt.Errorf("domain.ListingFromEvent: %s without id", ev.Type)
	}
	l.Active = ev.Type == EventListingCreated
	l.Origin = OriginAuthoritative
	if seq, ok := ev.SeqValue(); ok {
		l.Seq = seq
	}
	return l, nil
}

// OfferFromEvent decodifica una oferta de un evento offer_*.
func OfferFromEvent(ev Event) (Offer, error) {
	var o Offer
	if err := ev.Decode(&o); err != nil {
		return Offer{}, fmt.Errorf("domain.OfferFromEvent: %w", err)
	}
	if o.ID == "" {
		o.ID = ev.ID
	}
	if o.ID == "" {
		return Offer{}, fmt.Errorf("domain.OfferFromEvent: %s without id", ev.Type)
	}
	o.Active = ev.Type == EventOfferCreated
	o.Origin = OriginAuthoritative
	if seq, ok := ev.SeqValue(); ok {
		o.Seq = seq
	}
	return o, nil
}

// LeaderboardFromEvent decodifica un leaderboard_update.
func LeaderboardFromEvent(ev Event) (LeaderboardEntry, error) {
	var e LeaderboardEntry
	if err := ev.Decode(&e); err != nil {
		return LeaderboardEntry{}, fmt.Errorf("domain.LeaderboardFromEvent: %w", err)
	}
	if e.Address == "" {
		return LeaderboardEntry{}, fmt.Errorf("domain.LeaderboardFromEvent: missing address")
	}
	return e, nil
}
