package expr

import (
	"fmt"
	"strings"
)

// BinOpKind denotes the kind of [Binary] operation to perform.
type BinOpKind int

// Recognized values of [BinOpKind].
const (
	// BinOpKindInvalid indicates an invalid binary operation.
	BinOpKindInvalid BinOpKind = iota

	BinOpKindEq  // Equality comparison (==).
	BinOpKindNeq // Inequality comparison (!=).
	BinOpKindGt  // Greater than comparison (>).
	BinOpKindGte // Greater than or equal comparison (>=).
	BinOpKindLt  // Less than comparison (<).
	BinOpKindLte // Less than or equal comparison (<=).
	BinOpKindAnd // Logical AND operation (&&).
	BinOpKindOr  // Logical OR operation (||).

	BinOpKindAdd // Addition operation (+).
	BinOpKindSub // Subtraction operation (-).
	BinOpKindMul // Multiplication operation (*).
	BinOpKindDiv // Division operation (/).
)

var binOpKindStrings = map[BinOpKind]string{
	BinOpKindInvalid: "invalid",

	BinOpKindEq:  "EQ",
	BinOpKindNeq: "NEQ",
	BinOpKindGt:  "GT",
	BinOpKindGte: "GTE",
	BinOpKindLt:  "LT",
	BinOpKindLte: "LTE",
	BinOpKindAnd: "AND",
	BinOpKindOr:  "OR",

	BinOpKindAdd: "ADD",
	BinOpKindSub: "SUB",
	BinOpKindMul: "MUL",
	BinOpKindDiv: "DIV",
}

var binOpKindSymbols = map[BinOpKind]string{
	BinOpKindEq:  "=",
	BinOpKindNeq: "!=",
	BinOpKindGt:  ">",
	BinOpKindGte: ">=",
	BinOpKindLt:  "<",
	BinOpKindLte: "<=",
	BinOpKindAnd: "AND",
	BinOpKindOr:  "OR",
	BinOpKindAdd: "+",
	BinOpKindSub: "-",
	BinOpKindMul: "*",
	BinOpKindDiv: "/",
}

// String returns a human-readable representation of the binary operation kind.
func (k BinOpKind) String() string {
	if s, ok := binOpKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("BinOpKind(%d)", k)
}

// ParseBinOpKind parses the name of a binary operation, as returned by
// [BinOpKind.String] or as its symbol. Parsing is case insensitive.
func ParseBinOpKind(s string) (BinOpKind, error) {
	for k, name := range binOpKindStrings {
		if k != BinOpKindInvalid && strings.EqualFold(name, s) {
			return k, nil
		}
	}
	for k, sym := range binOpKindSymbols {
		if strings.EqualFold(sym, s) {
			return k, nil
		}
	}
	return BinOpKindInvalid, fmt.Errorf("unknown binary operation %q", s)
}

func (k BinOpKind) isComparison() bool {
	switch k {
	case BinOpKindEq, BinOpKindNeq, BinOpKindGt, BinOpKindGte, BinOpKindLt, BinOpKindLte:
		return true
	}
	return false
}

func (k BinOpKind) isLogical() bool { return k == BinOpKindAnd || k == BinOpKindOr }

func (k BinOpKind) isArithmetic() bool {
	switch k {
	case BinOpKindAdd, BinOpKindSub, BinOpKindMul, BinOpKindDiv:
		return true
	}
	return false
}
