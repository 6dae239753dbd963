// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// ConfirmSelector chooses which delivered messages a confirm applies to.
type ConfirmSelector struct {
	GUID  string
	Count int
	All   bool
}

// ConfirmGUID confirms the single message with the given GUID.
func ConfirmGUID(guid string) ConfirmSelector {
	return ConfirmSelector{GUID: guid}
}

// ConfirmNext confirms the n oldest delivered messages.
func ConfirmNext(n int) ConfirmSelector {
	return ConfirmSelector{Count: n}
}

// ConfirmAll confirms every delivered message.
func ConfirmAll() ConfirmSelector {
	return ConfirmSelector{All: true}
}
