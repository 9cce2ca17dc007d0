// Package mysql provides the durable stores backed by MySQL: the wallet
// catalogue, spending policies, allowlist state, fund requests and
// operator accounts. It owns schema migrations and the transactional
// budget commit.
package mysql
