// Package supervisor brings up one worker per CPU around a freshly published
// steering table, applies the startup failure policy and tears the pool down.
package supervisor
