package main

var Version = "1.0.0"
