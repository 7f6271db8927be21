package server

import nativelending "lendpool/native/lending"

type poolJSON struct {
	ID                 string `json:"id"`
	Authority          string `json:"authority"`
	Asset              string `json:"asset"`
	CollateralAsset    string `json:"collateralAsset"`
	Vault              string `json:"vault"`
	MinCollateralRatio uint64 `json:"minCollateralRatio"`
	InterestRate       uint64 `json:"interestRate"`
	TotalDeposits      uint64 `json:"totalDeposits"`
	TotalBorrows       uint64 `json:"totalBorrows"`
	Available          uint64 `json:"available"`
	CreatedAt          uint64 `json:"createdAt"`
}

type depositJSON struct {
	Pool      string `json:"pool"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	UpdatedAt uint64 `json:"updatedAt"`
}

type loanJSON struct {
	ID               string `json:"id"`
	Pool             string `json:"pool"`
	Borrower         string `json:"borrower"`
	CollateralRef    string `json:"collateralRef"`
	Principal        uint64 `json:"principal"`
	InterestRate     uint64 `json:"interestRate"`
	AccruedInterest  uint64 `json:"accruedInterest"`
	CollateralSeized uint64 `json:"collateralSeized"`
	OpenedAt         uint64 `json:"openedAt"`
	LastUpdate       uint64 `json:"lastUpdate"`
	Status           string `json:"status"`
}

type dueJSON struct {
	Principal uint64 `json:"principal"`
	Interest  uint64 `json:"interest"`
	Total     uint64 `json:"total"`
	AsOf      uint64 `json:"asOf"`
}

type settlementJSON struct {
	Loan             string  `json:"loan"`
	Paid             uint64  `json:"paid"`
	InterestPaid     uint64  `json:"interestPaid"`
	PrincipalPaid    uint64  `json:"principalPaid"`
	CollateralSeized uint64  `json:"collateralSeized,omitempty"`
	Remaining        dueJSON `json:"remaining"`
	Status           string  `json:"status"`
}

type healthJSON struct {
	Loan               string `json:"loan"`
	CollateralValue    uint64 `json:"collateralValue"`
	RequiredCollateral uint64 `json:"requiredCollateral"`
	Liquidatable       bool   `json:"liquidatable"`
}

type balanceJSON struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

type initPoolRequest struct {
	Asset              string `json:"asset"`
	CollateralAsset    string `json:"collateralAsset"`
	MinCollateralRatio uint64 `json:"minCollateralRatio"`
	InterestRate       uint64 `json:"interestRate"`
}

type rateRequest struct {
	InterestRate uint64 `json:"interestRate"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type borrowRequest struct {
	CollateralRef string `json:"collateralRef"`
	Amount        uint64 `json:"amount"`
}

type liquidateRequest struct {
	CollateralRef string `json:"collateralRef"`
	Amount        uint64 `json:"amount"`
}

type priceRequest struct {
	Price     uint64 `json:"price"`
	UpdatedAt uint64 `json:"updatedAt"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

func toPoolJSON(p *nativelending.LendingPool) poolJSON {
	return poolJSON{
		ID:                 p.ID,
		Authority:          p.Authority,
		Asset:              p.AssetID,
		CollateralAsset:    p.CollateralAssetID,
		Vault:              p.VaultRef,
		MinCollateralRatio: p.MinCollateralRatio,
		InterestRate:       p.InterestRate,
		TotalDeposits:      p.TotalDeposits,
		TotalBorrows:       p.TotalBorrows,
		Available:          p.Available(),
		CreatedAt:          p.CreatedAt,
	}
}

func toDepositJSON(d *nativelending.UserDeposit) depositJSON {
	return depositJSON{Pool: d.PoolID, Owner: d.Owner, Amount: d.Amount, UpdatedAt: d.UpdatedAt}
}

func toLoanJSON(l *nativelending.Loan) loanJSON {
	return loanJSON{
		ID:               l.ID,
		Pool:             l.PoolID,
		Borrower:         l.Borrower,
		CollateralRef:    l.CollateralRef,
		Principal:        l.Principal,
		InterestRate:     l.InterestRate,
		AccruedInterest:  l.AccruedInterest,
		CollateralSeized: l.CollateralSeized,
		OpenedAt:         l.OpenedAt,
		LastUpdate:       l.LastUpdate,
		Status:           string(l.Status),
	}
}

func toDueJSON(d nativelending.Due) dueJSON {
	return dueJSON{Principal: d.Principal, Interest: d.Interest, Total: d.Total, AsOf: d.AsOf}
}

func toSettlementJSON(s *nativelending.Settlement) settlementJSON {
	return settlementJSON{
		Loan:             s.LoanID,
		Paid:             s.Paid,
		InterestPaid:     s.InterestPaid,
		PrincipalPaid:    s.PrincipalPaid,
		CollateralSeized: s.CollateralSeized,
		Remaining:        toDueJSON(s.Remaining),
		Status:           string(s.Status),
	}
}
