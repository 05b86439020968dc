// Command enclosured runs the enclosure control daemon.
package main

func main() {
	Execute()
}
