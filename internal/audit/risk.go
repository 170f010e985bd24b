package audit

var highRiskActions = map[Action]struct{}{
	ActionRoleChange:       {},
	ActionPermissionGrant:  {},
	ActionPermissionRevoke: {},
	ActionDataDelete:       {},
	ActionAdmin:            {},
	ActionSecurityBreach:   {},
}

var mediumRiskActions = map[Action]struct{}{
	ActionMFADisable:     {},
	ActionPasswordChange: {},
	ActionDataExport:     {},
}

// riskFor computes the risk level for an audited action. Failed actions are
// always at least medium; a failed high-risk action escalates to critical,
// which is the only path by which an audit row reaches that level.
func riskFor(action Action, success bool) RiskLevel {
	if _, ok := highRiskActions[action]; ok {
		if !success {
			return RiskCritical
		}
		return RiskHigh
	}
	if _, ok := mediumRiskActions[action]; ok {
		return RiskMedium
	}
	if !success {
		return RiskMedium
	}
	return RiskLow
}
