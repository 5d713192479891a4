// amicull removes machine images nothing launches anymore, and the
// snapshots behind them.
package main

func main() {
	Execute()
}
