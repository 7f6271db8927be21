package lending

// SecondsPerYear is the accrual year used for linear interest.
const SecondsPerYear = 365 * 24 * 60 * 60

// AccruedInterest computes simple interest on principal at an annual percentage
// rate over elapsed seconds:
//
//	principal * rate * elapsed / (SecondsPerYear * 100)
//
// Each multiplication is checked and the division truncates.
func AccruedInterest(principal, ratePct, elapsed uint64) (uint64, error) {
	if principal == 0 || ratePct == 0 || elapsed == 0 {
		return 0, nil
	}
	scaled, err := checkedMul(principal, ratePct)
	if err != nil {
		return 0, err
	}
	scaled, err = checkedMul(scaled, elapsed)
	if err != nil {
		return 0, err
	}
	return scaled / (SecondsPerYear * percentScale), nil
}

// DueAt quotes the loan's outstanding principal and interest at now. It fails
// with ErrClockSkew when now precedes the loan's last update.
func (l *Loan) DueAt(now uint64) (Due, error) {
	if now < l.LastUpdate {
		return Due{}, ErrClockSkew
	}
	fresh, err := AccruedInterest(l.Principal, l.InterestRate, now-l.LastUpdate)
	if err != nil {
		return Due{}, err
	}
	interest, err := checkedAdd(l.AccruedInterest, fresh)
	if err != nil {
		return Due{}, err
	}
	total, err := checkedAdd(l.Principal, interest)
	if err != nil {
		return Due{}, err
	}
	return Due{Principal: l.Principal, Interest: interest, Total: total, AsOf: now}, nil
}

// applyPayment settles amount against due, interest first and then principal,
// and returns the updated loan. The input loan is not modified.
func applyPayment(loan *Loan, due Due, amount uint64) (*Loan, uint64, uint64, error) {
	if amount > due.Total {
		return nil, 0, 0, ErrInvalidRepaymentAmount
	}
	interestPaid := minUint64(amount, due.Interest)
	principalPaid := amount - interestPaid

	next := loan.Clone()
	carried, err := checkedSub(due.Interest, interestPaid)
	if err != nil {
		return nil, 0, 0, err
	}
	principal, err := checkedSub(due.Principal, principalPaid)
	if err != nil {
		return nil, 0, 0, err
	}
	next.AccruedInterest = carried
	next.Principal = principal
	next.LastUpdate = due.AsOf
	return next, interestPaid, principalPaid, nil
}
