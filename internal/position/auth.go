package position

import "github.com/google/uuid"

// Caller identity routing: every external entry point must come from the
// account itself, a delegate the account approved, or an allow-listed
// plugin (the transfer/permission gateway and the order-execution layer).

// SetPlugin adds or removes an allow-listed plugin identity.
func (b *Book) SetPlugin(id uuid.UUID, allowed bool) {
	if allowed {
		b.plugins[id] = true
	} else {
		delete(b.plugins, id)
	}
}

// SetLiquidator adds or removes a permitted liquidation keeper.
func (b *Book) SetLiquidator(id uuid.UUID, allowed bool) {
	if allowed {
		b.liquidators[id] = true
	} else {
		delete(b.liquidators, id)
	}
}

// ApproveDelegate lets delegate act on account's positions.
func (b *Book) ApproveDelegate(account, delegate uuid.UUID) {
	m, ok := b.delegates[account]
	if !ok {
		m = make(map[uuid.UUID]bool)
		b.delegates[account] = m
	}
	m[delegate] = true
}

// RevokeDelegate withdraws a previously granted approval.
func (b *Book) RevokeDelegate(account, delegate uuid.UUID) {
	if m, ok := b.delegates[account]; ok {
		delete(m, delegate)
	}
}

func (b *Book) authorize(caller, account uuid.UUID) error {
	if caller == account {
		return nil
	}
	if b.plugins[caller] {
		return nil
	}
	if m, ok := b.delegates[account]; ok && m[caller] {
		return nil
	}
	return ErrCallerNotAuthorized
}
