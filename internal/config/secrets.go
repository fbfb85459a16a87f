// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// dbSecret is the JSON shape of the database credential secret.
type dbSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// fetchDBCredentials reads the database username and password from AWS
// Secrets Manager.
func fetchDBCredentials(ctx context.Context, region, secretID string) (string, string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", "", fmt.Errorf("secret %s has no string payload", secretID)
	}

	var secret dbSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &secret); err != nil {
		return "", "", fmt.Errorf("failed to decode secret %s: %w", secretID, err)
	}

	return secret.Username, secret.Password, nil
}
