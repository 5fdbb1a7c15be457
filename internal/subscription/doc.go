// Package subscription is the polling-notification engine.
//
// A Subscription is a standing instruction to check availability for one
// (user, subject, request) triple and notify the user's chat when matching
// records appear. Manager owns the lifecycle: it keeps the store (system of
// record) and the scheduler (one live timer per active subscription) in step.
//
//	NONE --Subscribe--> ACTIVE --Cancel--> NONE
//
// AddFilter keeps a subscription ACTIVE; a failing check never changes state.
package subscription
