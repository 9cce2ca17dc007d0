// Package api exposes the administrative REST surface: wallet
// registration and lifecycle, spending policies, the fund request
// workflow and pause/resume controls. Paid upstream calls never pass
// through here; agents make those through the payment client.
package api
