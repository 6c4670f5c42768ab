// Package book implements the legacy per-market limit order book with
// price-time priority matching.
//
// Orders are bids for one outcome side. A YES bid and a NO bid cross when
// their prices are complementary (yesBid + noBid >= 1); each matched share
// collects a full unit of collateral across the two sides, which is what
// backs the winning payout at settlement.
//
// All monetary values use shopspring/decimal — never float64 for money.
package book

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/outcomex/trading-engine/internal/model"
)

// level is one price level: all resting orders at the same price, FIFO by
// submission time.
type level struct {
	price  decimal.Decimal
	orders []*model.Order
}

// sideBook holds one outcome side's resting bids, best (highest) price first.
type sideBook struct {
	levels *btree.BTreeG[*level]
}

func newSideBook() *sideBook {
	return &sideBook{
		levels: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}),
	}
}

// add inserts an order at its price level, preserving time priority.
func (b *sideBook) add(o *model.Order) {
	key := &level{price: o.Price}
	if lvl, ok := b.levels.Get(key); ok {
		lvl.orders = append(lvl.orders, o)
		return
	}
	key.orders = []*model.Order{o}
	b.levels.Set(key)
}

// remove deletes an order from its price level, dropping the level when it
// empties. Returns false if the order was not resting.
func (b *sideBook) remove(orderID string, price decimal.Decimal) bool {
	lvl, ok := b.levels.Get(&level{price: price})
	if !ok {
		return false
	}
	for i, o := range lvl.orders {
		if o.ID == orderID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			if len(lvl.orders) == 0 {
				b.levels.Delete(lvl)
			}
			return true
		}
	}
	return false
}

// get returns the resting order with the given ID, if present.
func (b *sideBook) get(orderID string) *model.Order {
	var found *model.Order
	b.levels.Scan(func(lvl *level) bool {
		for _, o := range lvl.orders {
			if o.ID == orderID {
				found = o
				return false
			}
		}
		return true
	})
	return found
}

// depth returns the total resting amount, for tests and snapshots.
func (b *sideBook) depth() decimal.Decimal {
	total := decimal.Zero
	b.levels.Scan(func(lvl *level) bool {
		for _, o := range lvl.orders {
			total = total.Add(o.RemainingAmount)
		}
		return true
	})
	return total
}

// marketBook pairs the two outcome sides of one market. loaded is set once
// the resting orders have been rebuilt from the store.
type marketBook struct {
	yes    *sideBook
	no     *sideBook
	loaded bool
}

func newMarketBook() *marketBook {
	return &marketBook{yes: newSideBook(), no: newSideBook()}
}

func (m *marketBook) side(outcome string) *sideBook {
	if outcome == model.OutcomeYes {
		return m.yes
	}
	return m.no
}

// opposing returns the book the given side matches against.
func (m *marketBook) opposing(outcome string) *sideBook {
	if outcome == model.OutcomeYes {
		return m.no
	}
	return m.yes
}

// load rebuilds the book from open orders, oldest first so time priority
// survives a restart.
func (m *marketBook) load(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	for i := range orders {
		o := orders[i]
		m.side(o.Side).add(&o)
	}
}
