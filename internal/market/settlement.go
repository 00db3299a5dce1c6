package market

// computeSettlement implements the settlement math table: given the funded
// escrow and seller bond and a terminal path, it returns how much of the
// escrow and bond go to the buyer; the remainder goes to the seller
// (escrow) and the bond funder (bond refund) respectively. Division is
// floor division; any rounding residue accrues to the seller.
func computeSettlement(funded, bond uint64, path SettlementPath) (buyerEscrow, buyerBond uint64) {
	switch path {
	case PathDisputeBuyerWins:
		return funded, bond
	case PathDisputeSplit:
		return funded / 2, 0
	case PathDisputeCancel:
		return funded, 0
	case PathAccepted, PathTimeout, PathPostDisputeTimeout, PathDisputeSellerWins:
		return 0, 0
	default:
		return 0, 0
	}
}
