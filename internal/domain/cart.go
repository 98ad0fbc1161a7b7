package domain

import (
	"sort"
	"strconv"
	"strings"
)

// CartLine — одна позиция корзины. Позиция с qty <= 0 не существует.
type CartLine struct {
	ProductID string `json:"productId"`
	Qty       int64  `json:"qty"`
}

// CartSnapshot — неизменяемая копия позиций корзины пользователя на момент чтения.
// Позиции отсортированы по ProductID, поэтому два чтения без мутаций между ними равны.
type CartSnapshot struct {
	UserID string
	lines  []CartLine
}

// NewCartSnapshot собирает снимок из набора позиций: нулевые и отрицательные строки
// отбрасываются, дубликаты productId суммируются.
func NewCartSnapshot(userID string, lines []CartLine) CartSnapshot {
	merged := make(map[string]int64, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 || line.ProductID == "" {
			continue
		}
		merged[line.ProductID] += line.Qty
	}

	out := make([]CartLine, 0, len(merged))
	for productID, qty := range merged {
		out = append(out, CartLine{ProductID: productID, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })

	return CartSnapshot{UserID: userID, lines: out}
}

// Lines возвращает копию позиций снимка.
func (s CartSnapshot) Lines() []CartLine {
	out := make([]CartLine, len(s.lines))
	copy(out, s.lines)
	return out
}

// Len возвращает количество различных товаров в снимке.
func (s CartSnapshot) Len() int { return len(s.lines) }

// IsEmpty сообщает, что в снимке нет ни одной позиции.
func (s CartSnapshot) IsEmpty() bool { return len(s.lines) == 0 }

// TotalItems возвращает сумму qty по всем позициям.
func (s CartSnapshot) TotalItems() int64 {
	var total int64
	for _, line := range s.lines {
		total += line.Qty
	}
	return total
}

// Qty возвращает количество товара в снимке (0, если товара нет).
func (s CartSnapshot) Qty(productID string) int64 {
	idx := sort.Search(len(s.lines), func(i int) bool { return s.lines[i].ProductID >= productID })
	if idx < len(s.lines) && s.lines[idx].ProductID == productID {
		return s.lines[idx].Qty
	}
	return 0
}

// Equal сравнивает два снимка по пользователю и составу позиций.
func (s CartSnapshot) Equal(other CartSnapshot) bool {
	if s.UserID != other.UserID || len(s.lines) != len(other.lines) {
		return false
	}
	for i := range s.lines {
		if s.lines[i] != other.lines[i] {
			return false
		}
	}
	return true
}

// ValidateAddItem проверяет аргументы AddItem.
func ValidateAddItem(userID, productID string, qty int64) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserIDRequired
	}
	if strings.TrimSpace(productID) == "" {
		return ErrProductIDRequired
	}
	if qty <= 0 {
		return ErrQtyInvalid
	}
	return nil
}

// ClearKeyForOrder формирует ключ очистки, под которым сага снимает позиции заказа с корзины.
func ClearKeyForOrder(orderID int64) string {
	return "order-" + strconv.FormatInt(orderID, 10)
}
