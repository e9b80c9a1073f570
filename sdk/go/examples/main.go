package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"O-Sovereign/sdk/go/sovereign"
)

func main() {
	baseURL := os.Getenv("SOVEREIGN_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := sovereign.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	if token := os.Getenv("SOVEREIGN_TOKEN"); token != "" {
		client.SetAccessToken(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	threshold := 60
	result, err := client.Execute(ctx, sovereign.ExecuteRequest{
		Input:         "帮我制定一个提高工作效率的方案",
		RiskThreshold: &threshold,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("accepted=%v iterations=%d cost=$%.4f\n", result.Accepted, result.Statistics.Iterations, result.Statistics.TotalCost)
	fmt.Println(result.FinalOutput)
}
